package main

import (
	"io/ioutil"
	"os"

	"github.com/pkg/errors"
	yaml "gopkg.in/yaml.v2"

	"github.com/moray/moray/bittorrent"
	httpfrontend "github.com/moray/moray/frontend/http"
	memledger "github.com/moray/moray/ledger/memory"
	"github.com/moray/moray/middleware"
	"github.com/moray/moray/storage"
	memstorage "github.com/moray/moray/storage/memory"
	redisstorage "github.com/moray/moray/storage/redis"
	"github.com/moray/moray/tracker"
)

type storageConfig struct {
	Name   string                 `yaml:"name"`
	Config map[string]interface{} `yaml:"config"`
}

// NewPeerStore builds the configured PeerStore driver.
func (sc storageConfig) NewPeerStore() (storage.PeerStore, error) {
	raw, err := yaml.Marshal(sc.Config)
	if err != nil {
		return nil, errors.Wrap(err, "failed to remarshal storage config")
	}

	switch sc.Name {
	case memstorage.Name:
		var cfg memstorage.Config
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return nil, errors.Wrap(err, "invalid memory storage config")
		}
		return storage.NewPeerStore(sc.Name, cfg)
	case redisstorage.Name:
		var cfg redisstorage.Config
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return nil, errors.Wrap(err, "invalid redis storage config")
		}
		return storage.NewPeerStore(sc.Name, cfg)
	default:
		return nil, errors.Wrap(storage.ErrDriverDoesNotExist, sc.Name)
	}
}

// torrentConfig is a tracker.Torrent with a parseable infohash column.
type torrentConfig struct {
	ID        uint32 `yaml:"id"`
	InfoHash  string `yaml:"info_hash"`
	Approved  bool   `yaml:"approved"`
	Size      uint64 `yaml:"size"`
	Freeleech bool   `yaml:"freeleech"`
}

func (tc torrentConfig) Torrent() (tracker.Torrent, error) {
	ih, err := bittorrent.NewInfoHash(tc.InfoHash)
	if err != nil {
		return tracker.Torrent{}, errors.Wrap(err, "invalid torrent info_hash "+tc.InfoHash)
	}

	return tracker.Torrent{
		ID:        tc.ID,
		InfoHash:  ih,
		Approved:  tc.Approved,
		Size:      tc.Size,
		Freeleech: tc.Freeleech,
	}, nil
}

// Config represents the configuration used for executing Moray.
type Config struct {
	middleware.Config `yaml:",inline"`
	PrometheusAddr    string                  `yaml:"prometheus_addr"`
	HTTPConfig        httpfrontend.Config     `yaml:"http"`
	Storage           storageConfig           `yaml:"storage"`
	Ledger            memledger.Config        `yaml:"ledger"`
	PreHooks          []middleware.HookConfig `yaml:"prehooks"`
	PostHooks         []middleware.HookConfig `yaml:"posthooks"`
	Users             []tracker.User          `yaml:"users"`
	Torrents          []torrentConfig         `yaml:"torrents"`
}

// CreateHooks creates instances of Hooks for all of the PreHooks and
// PostHooks configured in a Config.
func (cfg Config) CreateHooks() (preHooks, postHooks []middleware.Hook, err error) {
	preHooks, err = middleware.HooksFromHookConfigs(cfg.PreHooks)
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to validate pre hook config")
	}

	postHooks, err = middleware.HooksFromHookConfigs(cfg.PostHooks)
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to validate post hook config")
	}

	return preHooks, postHooks, nil
}

// ConfigFile represents a namespaced YAML configation file.
type ConfigFile struct {
	Moray Config `yaml:"moray"`
}

// ParseConfigFile returns a new ConfigFile given the path to a YAML
// configuration file.
//
// It supports relative and absolute paths and environment variables.
func ParseConfigFile(path string) (*ConfigFile, error) {
	if path == "" {
		return nil, errors.New("no config path specified")
	}

	f, err := os.Open(os.ExpandEnv(path))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	contents, err := ioutil.ReadAll(f)
	if err != nil {
		return nil, err
	}

	var cfgFile ConfigFile
	err = yaml.Unmarshal(contents, &cfgFile)
	if err != nil {
		return nil, err
	}

	return &cfgFile, nil
}
