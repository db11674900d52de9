package config

// ApplyDefaults sets default values for any zero values in cfg.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Storage.DatabasePath == "" {
		cfg.Storage.DatabasePath = "/usr/local/var/miru/data/db/catalog.db"
	}
	if cfg.Storage.SnapshotPath == "" {
		cfg.Storage.SnapshotPath = "/usr/local/var/miru/data/indices/vectors.snap"
	}
	if cfg.Storage.JournalPath == "" {
		cfg.Storage.JournalPath = "/usr/local/var/miru/data/journal"
	}
	if cfg.Index.Type == "" {
		cfg.Index.Type = "memory"
	}
	if cfg.Index.Dimensions == 0 {
		cfg.Index.Dimensions = 1280
	}
	if cfg.Index.Metric == "" {
		cfg.Index.Metric = "inner_product"
	}
	if cfg.Embedding.CacheSize == 0 {
		cfg.Embedding.CacheSize = 10000
	}
	if cfg.Recommend.WindowSize == 0 {
		cfg.Recommend.WindowSize = 10
	}
	if cfg.Recommend.DefaultLimit == 0 {
		cfg.Recommend.DefaultLimit = 5
	}
	if cfg.Recommend.MaxLimit == 0 {
		cfg.Recommend.MaxLimit = 100
	}
	// Both weights unset means an even blend; a single zero weight is kept.
	if cfg.Recommend.VisualWeight == 0 && cfg.Recommend.CollaborativeWeight == 0 {
		cfg.Recommend.VisualWeight = 0.5
		cfg.Recommend.CollaborativeWeight = 0.5
	}
	if cfg.Inbox.Extensions == nil {
		cfg.Inbox.Extensions = []string{".jpg", ".jpeg", ".png", ".webp"}
	}
	// Recursive defaults to true when unset (nil).
	if len(cfg.Inbox.Directories) > 0 && cfg.Inbox.Recursive == nil {
		t := true
		cfg.Inbox.Recursive = &t
	}
}
