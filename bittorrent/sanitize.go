package bittorrent

// SanitizeAnnounce enforces a max and default NumWant on an AnnounceRequest.
func SanitizeAnnounce(r *AnnounceRequest, maxNumWant, defaultNumWant uint32) error {
	if !r.NumWantProvided || r.NumWant == 0 {
		r.NumWant = defaultNumWant
	} else if r.NumWant > maxNumWant {
		r.NumWant = maxNumWant
	}

	if r.Port == 0 {
		return ClientError("failed to provide valid port")
	}

	return nil
}

// SanitizeScrape caps the number of infohashes in a ScrapeRequest.
func SanitizeScrape(r *ScrapeRequest, maxScrapeInfoHashes uint32) error {
	if len(r.InfoHashes) > int(maxScrapeInfoHashes) {
		r.InfoHashes = r.InfoHashes[:maxScrapeInfoHashes]
	}

	return nil
}
