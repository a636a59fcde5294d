package logger

// Config describes one named logger in log.config.json.
type Config struct {
	Level            string       `json:"level"`
	OutputPaths      []string     `json:"outputPaths"`
	ErrorOutputPaths []string     `json:"errorOutputPaths"`
	Development      bool         `json:"development"`
	LogToConsole     bool         `json:"logToConsole"`
	Encoding         Encoding     `json:"encodingConfig"`
	LogRotation      LogRotation  `json:"logRotation"`
	Async            Async        `json:"async"`
	Sanitization     Sanitization `json:"sanitization"`
}

type Encoding struct {
	TimeKey         string `json:"timeKey"`
	LevelKey        string `json:"levelKey"`
	NameKey         string `json:"nameKey"`
	CallerKey       string `json:"callerKey"`
	MessageKey      string `json:"messageKey"`
	StacktraceKey   string `json:"stacktraceKey"`
	LineEnding      string `json:"lineEnding"`
	LevelEncoder    string `json:"levelEncoder"`
	TimeEncoder     string `json:"timeEncoder"`
	DurationEncoder string `json:"durationEncoder"`
	CallerEncoder   string `json:"callerEncoder"`
}

type LogRotation struct {
	Enabled    bool `json:"enabled"`
	MaxSizeMB  int  `json:"maxSizeMB"`
	MaxBackups int  `json:"maxBackups"`
	MaxAgeDays int  `json:"maxAgeDays"`
	Compress   bool `json:"compress"`
}

// Async controls batching of file output.
type Async struct {
	Disabled        bool `json:"disabled"`
	BufferSize      int  `json:"bufferSize"`
	BatchSize       int  `json:"batchSize"`
	FlushIntervalMS int  `json:"flushIntervalMs"`
}

// Sanitization lists field keys whose values are replaced by Mask.
type Sanitization struct {
	SensitiveFields []string `json:"sensitiveFields"`
	Mask            string   `json:"mask"`
}

// SensitiveFields are masked by every logger unless its config lists its own.
var SensitiveFields = []string{
	"password",
	"new_password",
	"old_password",
	"token",
	"bearer_token",
	"access_token",
	"refresh_token",
	"api_key",
	"secret",
	"plaintext",
	"ciphertext",
	"authorization",
}

// DefaultConfig is used for any logger not specified in log.config.json.
var DefaultConfig = Config{
	Level:            "info",
	OutputPaths:      []string{"stdout"},
	ErrorOutputPaths: []string{"stderr"},
	Encoding: Encoding{
		TimeKey:         "time",
		LevelKey:        "level",
		NameKey:         "logger",
		CallerKey:       "caller",
		MessageKey:      "msg",
		StacktraceKey:   "stacktrace",
		LineEnding:      "\n",
		LevelEncoder:    "lowercase",
		TimeEncoder:     "iso8601",
		DurationEncoder: "string",
		CallerEncoder:   "short",
	},
	LogRotation: LogRotation{
		Enabled:    true,
		MaxSizeMB:  100,
		MaxBackups: 7,
		MaxAgeDays: 30,
		Compress:   true,
	},
	Async: Async{
		BufferSize:      1000,
		BatchSize:       100,
		FlushIntervalMS: 500,
	},
	Sanitization: Sanitization{
		SensitiveFields: SensitiveFields,
		Mask:            "****",
	},
}

func applyDefaults(cfg *Config) {
	d := DefaultConfig
	if cfg.Level == "" {
		cfg.Level = d.Level
	}
	if len(cfg.OutputPaths) == 0 {
		cfg.OutputPaths = d.OutputPaths
	}
	if len(cfg.ErrorOutputPaths) == 0 {
		cfg.ErrorOutputPaths = d.ErrorOutputPaths
	}
	e := &cfg.Encoding
	if e.TimeKey == "" {
		e.TimeKey = d.Encoding.TimeKey
	}
	if e.LevelKey == "" {
		e.LevelKey = d.Encoding.LevelKey
	}
	if e.NameKey == "" {
		e.NameKey = d.Encoding.NameKey
	}
	if e.CallerKey == "" {
		e.CallerKey = d.Encoding.CallerKey
	}
	if e.MessageKey == "" {
		e.MessageKey = d.Encoding.MessageKey
	}
	if e.StacktraceKey == "" {
		e.StacktraceKey = d.Encoding.StacktraceKey
	}
	if e.LineEnding == "" {
		e.LineEnding = d.Encoding.LineEnding
	}
	if cfg.LogRotation.MaxSizeMB == 0 {
		cfg.LogRotation.MaxSizeMB = d.LogRotation.MaxSizeMB
	}
	if cfg.LogRotation.MaxBackups == 0 {
		cfg.LogRotation.MaxBackups = d.LogRotation.MaxBackups
	}
	if cfg.LogRotation.MaxAgeDays == 0 {
		cfg.LogRotation.MaxAgeDays = d.LogRotation.MaxAgeDays
	}
	if cfg.Async.BufferSize == 0 {
		cfg.Async.BufferSize = d.Async.BufferSize
	}
	if cfg.Async.BatchSize == 0 {
		cfg.Async.BatchSize = d.Async.BatchSize
	}
	if cfg.Async.FlushIntervalMS == 0 {
		cfg.Async.FlushIntervalMS = d.Async.FlushIntervalMS
	}
	if len(cfg.Sanitization.SensitiveFields) == 0 {
		cfg.Sanitization.SensitiveFields = d.Sanitization.SensitiveFields
	}
	if cfg.Sanitization.Mask == "" {
		cfg.Sanitization.Mask = d.Sanitization.Mask
	}
}
