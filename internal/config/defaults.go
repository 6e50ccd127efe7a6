package config

const (
	defaultBaseDir  = "~/.local/share/revenant"
	defaultWorkDir  = "~/.local/share/revenant/work"
	defaultCacheDir = "~/.local/share/revenant/cache"
	defaultLogDir   = "~/.local/share/revenant/logs"

	defaultIndexURL   = "http://localhost:3141"
	defaultIndexName  = "revenant/packages"
	defaultIndexUser  = "revenant"
	defaultAIBaseURL  = "https://api.anthropic.com/v1/messages"
	defaultAIModel    = "claude-sonnet-4-5"
	defaultAIMaxTok   = 8192
	defaultAITimeout  = 120
	defaultPyTarget   = "3.14"
	defaultPyBinary   = "python3.14"
	defaultMaxAttempt = 3

	defaultBuildTimeoutSeconds   = 300
	defaultRequestTimeoutSeconds = 30

	defaultWatchdogInterval  = 60
	defaultStaleAfterMinutes = 10
	defaultWatchdogAutoOnly  = true
	defaultWatchdogAutoStart = true
	defaultLogFormat         = "console"
	defaultLogLevel          = "info"
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			BaseDir:  defaultBaseDir,
			WorkDir:  defaultWorkDir,
			CacheDir: defaultCacheDir,
			LogDir:   defaultLogDir,
		},
		Index: Index{
			URL:   defaultIndexURL,
			Index: defaultIndexName,
			User:  defaultIndexUser,
		},
		AI: AI{
			BaseURL:        defaultAIBaseURL,
			Model:          defaultAIModel,
			MaxTokens:      defaultAIMaxTok,
			TimeoutSeconds: defaultAITimeout,
		},
		Processing: Processing{
			PythonTarget:   defaultPyTarget,
			PythonBinary:   defaultPyBinary,
			MaxAttempts:    defaultMaxAttempt,
			BuildTimeout:   defaultBuildTimeoutSeconds,
			RequestTimeout: defaultRequestTimeoutSeconds,
		},
		Watchdog: Watchdog{
			Interval:          defaultWatchdogInterval,
			StaleAfterMinutes: defaultStaleAfterMinutes,
			AutoRestart:       defaultWatchdogAutoStart,
			AutoOnly:          defaultWatchdogAutoOnly,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}
