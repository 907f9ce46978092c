package domain

// Config holds the complete Kestrel configuration.
type Config struct {
	// Server settings
	Server ServerConfig `json:"server" mapstructure:"server"`

	// Tier determines which infrastructure backends are used
	Tier Tier `json:"tier" mapstructure:"tier" validate:"oneof=community pro"`

	// Scoring pipeline
	Features  FeatureConfig   `json:"features" mapstructure:"features"`
	Detectors DetectorConfig  `json:"detectors" mapstructure:"detectors"`
	Ensemble  EnsembleConfig  `json:"ensemble" mapstructure:"ensemble"`
	Training  TrainingConfig  `json:"training" mapstructure:"training"`
	Synthetic SyntheticConfig `json:"synthetic" mapstructure:"synthetic"`

	// Indicator rules attached to score records as reasons
	Indicators []IndicatorRule `json:"indicators" mapstructure:"indicators"`

	// Component configurations
	Repository RepositoryConfig `json:"repository" mapstructure:"repository"`
	Cache      CacheConfig      `json:"cache" mapstructure:"cache"`
	EventBus   EventBusConfig   `json:"eventBus" mapstructure:"eventbus"`
	Worker     WorkerConfig     `json:"worker" mapstructure:"worker"`

	// Observability
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`
	Tracing TracingConfig `json:"tracing" mapstructure:"tracing"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `json:"host" mapstructure:"host"`
	Port         int    `json:"port" mapstructure:"port" validate:"min=1,max=65535"`
	ReadTimeout  int    `json:"readTimeout" mapstructure:"readtimeout"`   // seconds
	WriteTimeout int    `json:"writeTimeout" mapstructure:"writetimeout"` // seconds

	// MaxBodyMB caps request bodies; 0 disables the limit.
	MaxBodyMB int `json:"maxBodyMB" mapstructure:"maxbodymb" validate:"min=0"`
}

// FeatureConfig controls feature construction.
type FeatureConfig struct {
	// ISO 3166-1 alpha-2 codes
	HighRiskCountries []string `json:"highRiskCountries" mapstructure:"highriskcountries"`
	TaxHavens         []string `json:"taxHavens" mapstructure:"taxhavens"`

	// Parallelism for per-account velocity windows
	MaxWorkers int `json:"maxWorkers" mapstructure:"maxworkers" validate:"min=0"`
}

// DetectorConfig holds hyperparameters for the three detectors.
type DetectorConfig struct {
	Seed uint64 `json:"seed" mapstructure:"seed"`

	ForestTrees          int `json:"forestTrees" mapstructure:"foresttrees" validate:"min=1"`
	ForestMaxDepth       int `json:"forestMaxDepth" mapstructure:"forestmaxdepth" validate:"min=1"`
	ForestMinSampleSplit int `json:"forestMinSampleSplit" mapstructure:"forestminsamplesplit" validate:"min=2"`
	ForestMinSampleLeaf  int `json:"forestMinSampleLeaf" mapstructure:"forestminsampleleaf" validate:"min=1"`

	BoostRounds       int     `json:"boostRounds" mapstructure:"boostrounds" validate:"min=1"`
	BoostMaxDepth     int     `json:"boostMaxDepth" mapstructure:"boostmaxdepth" validate:"min=1"`
	BoostLearningRate float64 `json:"boostLearningRate" mapstructure:"boostlearningrate" validate:"gt=0,lte=1"`
	BoostSubsample    float64 `json:"boostSubsample" mapstructure:"boostsubsample" validate:"gt=0,lte=1"`
	BoostColSample    float64 `json:"boostColSample" mapstructure:"boostcolsample" validate:"gt=0,lte=1"`

	IsolationTrees      int     `json:"isolationTrees" mapstructure:"isolationtrees" validate:"min=1"`
	IsolationSampleSize int     `json:"isolationSampleSize" mapstructure:"isolationsamplesize" validate:"min=2"`
	Contamination       float64 `json:"contamination" mapstructure:"contamination" validate:"gt=0,lte=0.5"`

	// AnomalyNormalization is "batch" (min-max over the scoring batch)
	// or "fitted" (bounds captured at training time).
	AnomalyNormalization string `json:"anomalyNormalization" mapstructure:"anomalynormalization" validate:"oneof=batch fitted"`
}

// EnsembleConfig holds the fixed combination policy.
type EnsembleConfig struct {
	BaggedWeight  float64 `json:"baggedWeight" mapstructure:"baggedweight"`
	BoostedWeight float64 `json:"boostedWeight" mapstructure:"boostedweight"`
	AnomalyWeight float64 `json:"anomalyWeight" mapstructure:"anomalyweight"`

	// Inclusive lower bounds on the 0-100 scale
	CriticalThreshold float64 `json:"criticalThreshold" mapstructure:"criticalthreshold"`
	HighThreshold     float64 `json:"highThreshold" mapstructure:"highthreshold"`
	MediumThreshold   float64 `json:"mediumThreshold" mapstructure:"mediumthreshold"`
}

// TrainingConfig controls the batch training phase.
type TrainingConfig struct {
	// Fraction of labeled rows held out for validation metrics
	HoldoutFraction float64 `json:"holdoutFraction" mapstructure:"holdoutfraction" validate:"gte=0,lt=1"`
	Seed            uint64  `json:"seed" mapstructure:"seed"`

	// BootstrapSynthetic trains the startup model on generated data when the
	// repository has no labeled transactions.
	BootstrapSynthetic bool `json:"bootstrapSynthetic" mapstructure:"bootstrapsynthetic"`
}

// SyntheticConfig sizes generated fixture sets.
type SyntheticConfig struct {
	Accounts        int     `json:"accounts" mapstructure:"accounts" validate:"min=1"`
	Transactions    int     `json:"transactions" mapstructure:"transactions" validate:"min=1"`
	SuspiciousRatio float64 `json:"suspiciousRatio" mapstructure:"suspiciousratio" validate:"gte=0,lte=1"`
	Seed            uint64  `json:"seed" mapstructure:"seed"`
}

// WorkerConfig holds async batch worker settings.
type WorkerConfig struct {
	Enabled bool `json:"enabled" mapstructure:"enabled"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level" mapstructure:"level" validate:"oneof=debug info warn error"`
	Format string `json:"format" mapstructure:"format" validate:"oneof=json text"`
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool   `json:"enabled" mapstructure:"enabled"`
	ServiceName string `json:"serviceName" mapstructure:"servicename"`

	// Exporter is "none" (IDs are generated and propagated, spans are not
	// exported) or "stdout".
	Exporter string `json:"exporter" mapstructure:"exporter" validate:"oneof=none stdout"`
}

// Tier represents the deployment tier.
type Tier string

const (
	// TierCommunity runs on SQLite + in-memory cache + channels
	TierCommunity Tier = "community"

	// TierPro runs on PostgreSQL + Redis + NATS
	TierPro Tier = "pro"
)

// Anomaly normalization modes.
const (
	NormalizeBatch  = "batch"
	NormalizeFitted = "fitted"
)

// DefaultHighRiskCountries is a simplified FATF high-risk and monitored list.
func DefaultHighRiskCountries() []string {
	return []string{
		"AF", "BY", "BI", "KH", "CF", "CD", "CU", "ER", "GN", "GW",
		"HT", "IR", "IQ", "LB", "LY", "ML", "MM", "NI", "KP", "PK",
		"PA", "PH", "RU", "SO", "SS", "SD", "SY", "TZ", "UG", "VU", "YE", "ZW",
	}
}

// DefaultTaxHavens is a simplified list of secrecy jurisdictions.
func DefaultTaxHavens() []string {
	return []string{"BM", "KY", "VG", "LI", "MC", "PA", "CH", "LU"}
}

// DefaultDetectorConfig returns the detector hyperparameters.
func DefaultDetectorConfig() DetectorConfig {
	return DetectorConfig{
		Seed:                 42,
		ForestTrees:          200,
		ForestMaxDepth:       20,
		ForestMinSampleSplit: 10,
		ForestMinSampleLeaf:  5,
		BoostRounds:          200,
		BoostMaxDepth:        6,
		BoostLearningRate:    0.1,
		BoostSubsample:       0.8,
		BoostColSample:       0.8,
		IsolationTrees:       200,
		IsolationSampleSize:  256,
		Contamination:        0.05,
		AnomalyNormalization: NormalizeBatch,
	}
}

// DefaultEnsembleConfig returns the audited combination weights and tiers.
func DefaultEnsembleConfig() EnsembleConfig {
	return EnsembleConfig{
		BaggedWeight:      0.35,
		BoostedWeight:     0.45,
		AnomalyWeight:     0.20,
		CriticalThreshold: 80,
		HighThreshold:     60,
		MediumThreshold:   40,
	}
}

// DefaultConfig returns a default configuration for Community tier.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 60,
			MaxBodyMB:    32,
		},
		Tier: TierCommunity,
		Features: FeatureConfig{
			HighRiskCountries: DefaultHighRiskCountries(),
			TaxHavens:         DefaultTaxHavens(),
			MaxWorkers:        8,
		},
		Detectors: DefaultDetectorConfig(),
		Ensemble:  DefaultEnsembleConfig(),
		Training: TrainingConfig{
			HoldoutFraction:    0.2,
			Seed:               42,
			BootstrapSynthetic: true,
		},
		Synthetic: SyntheticConfig{
			Accounts:        10000,
			Transactions:    100000,
			SuspiciousRatio: 0.05,
			Seed:            42,
		},
		Indicators: DefaultIndicatorRules(),
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./kestrel.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     300, // 5 minutes
			AccountTTL:   900,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Worker: WorkerConfig{
			Enabled: false,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "kestrel",
			Exporter:    "none",
		},
	}
}

// ProConfig returns a configuration for Pro tier.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tier = TierPro
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "kestrel",
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
		LocalTTL:       300,
		AccountTTL:     900,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
	}
	cfg.Worker.Enabled = true
	cfg.Tracing.Enabled = true
	return cfg
}
