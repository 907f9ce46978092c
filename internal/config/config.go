// Package config loads the Kestrel configuration from defaults, an optional
// YAML file and KESTREL_* environment variables, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/ensemble"
	"github.com/opensource-finance/kestrel/internal/pipeline"
	"github.com/opensource-finance/kestrel/internal/rules"
)

// EnvPrefix is prepended to every environment key, e.g.
// KESTREL_SERVER_PORT or KESTREL_DETECTORS_FORESTTREES.
const EnvPrefix = "KESTREL"

// ErrInvalidConfig wraps validation failures.
var ErrInvalidConfig = errors.New("invalid configuration")

// Load builds the configuration. The tier (KESTREL_TIER or "tier" in the
// file) selects the Community or Pro defaults; every other key overrides
// those defaults. path names a YAML file; when empty, kestrel.yaml is
// searched for in the working directory and /etc/kestrel and is optional.
func Load(path string) (*domain.Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("kestrel")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/kestrel")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	base := domain.DefaultConfig()
	if strings.EqualFold(v.GetString("tier"), string(domain.TierPro)) {
		base = domain.ProConfig()
	}
	if err := registerDefaults(v, "", reflect.ValueOf(base).Elem()); err != nil {
		return nil, err
	}

	cfg := &domain.Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks struct tags and the cross-field rules tags cannot express.
func Validate(cfg *domain.Config) error {
	if err := validator.New().Struct(cfg); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, formatErrors(err))
	}

	switch {
	case cfg.Repository.Driver == "sqlite" && cfg.Repository.SQLitePath == "":
		return fmt.Errorf("%w: repository.sqlitepath is required for sqlite", ErrInvalidConfig)
	case cfg.Repository.Driver == "postgres" && cfg.Repository.PostgresHost == "":
		return fmt.Errorf("%w: repository.postgreshost is required for postgres", ErrInvalidConfig)
	case cfg.Cache.Type == "redis" && cfg.Cache.RedisAddr == "":
		return fmt.Errorf("%w: cache.redisaddr is required for redis", ErrInvalidConfig)
	case cfg.EventBus.Type == "nats" && cfg.EventBus.NATSUrl == "":
		return fmt.Errorf("%w: eventbus.natsurl is required for nats", ErrInvalidConfig)
	}

	if _, err := ensemble.NewCombiner(cfg.Ensemble); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if _, err := pipeline.NewDetectors(cfg.Detectors); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	indicators, err := rules.NewEngine(1)
	if err != nil {
		return err
	}
	for i, r := range cfg.Indicators {
		if r.ID == "" || r.Expression == "" {
			return fmt.Errorf("%w: indicators[%d] needs an id and an expression", ErrInvalidConfig, i)
		}
		if err := indicators.ValidateRule(r); err != nil {
			return fmt.Errorf("%w: indicators[%d]: %v", ErrInvalidConfig, i, err)
		}
	}
	return nil
}

// registerDefaults walks the config struct by mapstructure tag, installing
// each leaf as a default and binding it to its environment key. Slices of
// structs are defaults only; they can be overridden from the file.
func registerDefaults(v *viper.Viper, prefix string, val reflect.Value) error {
	t := val.Type()
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		tag := field.Tag.Get("mapstructure")
		if tag == "" || tag == "-" {
			continue
		}
		key := tag
		if prefix != "" {
			key = prefix + "." + tag
		}

		fv := val.Field(i)
		switch {
		case fv.Kind() == reflect.Struct:
			if err := registerDefaults(v, key, fv); err != nil {
				return err
			}
		case fv.Kind() == reflect.Slice && fv.Type().Elem().Kind() == reflect.Struct:
			v.SetDefault(key, fv.Interface())
		default:
			v.SetDefault(key, fv.Interface())
			if err := v.BindEnv(key); err != nil {
				return fmt.Errorf("failed to bind %s: %w", key, err)
			}
		}
	}
	return nil
}

func formatErrors(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("%s failed %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value()))
	}
	return strings.Join(parts, "; ")
}
