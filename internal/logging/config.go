package logging

// Config contains the configurable items for this package
type Config struct {
	Environment string `mapstructure:"environment"`
}

func NewDefaultConfig() Config {
	return Config{
		Environment: "dev",
	}
}
