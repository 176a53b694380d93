// Package config builds the service configuration from the tier defaults,
// optional .env files and TRACEX_ environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/opensource-finance/tracex/internal/domain"
)

// Prefix is the prefix of every environment variable read here.
const Prefix = "TRACEX_"

// LookupFunc reads one environment variable.
type LookupFunc func(key string) (string, bool)

// Load reads envFiles (missing files are skipped), picks the tier defaults
// from TRACEX_TIER and applies the remaining overrides.
func Load(envFiles ...string) (*domain.Config, error) {
	if err := loadDotEnv(envFiles...); err != nil {
		return nil, err
	}
	return FromEnv(os.LookupEnv)
}

func loadDotEnv(files ...string) error {
	for _, f := range files {
		// godotenv never overrides variables that are already set.
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

// FromEnv builds a configuration from lookup alone.
func FromEnv(lookup LookupFunc) (*domain.Config, error) {
	cfg := domain.DefaultConfig()
	if tier, ok := lookup(Prefix + "TIER"); ok {
		switch domain.Tier(strings.ToLower(tier)) {
		case domain.TierPro:
			cfg = domain.ProConfig()
		case domain.TierCommunity:
		default:
			return nil, fmt.Errorf("%sTIER: unknown tier %q", Prefix, tier)
		}
	}
	if err := ApplyEnv(cfg, lookup); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides cfg with every TRACEX_ variable that is set. Parse
// errors are collected and returned together; valid overrides still apply.
func ApplyEnv(cfg *domain.Config, lookup LookupFunc) error {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	e := &env{lookup: lookup}

	e.str("HOST", &cfg.Server.Host)
	e.int("PORT", &cfg.Server.Port)
	e.int("READ_TIMEOUT", &cfg.Server.ReadTimeout)
	e.int("WRITE_TIMEOUT", &cfg.Server.WriteTimeout)

	e.str("RULES", &cfg.Engine.RulesPath)
	e.str("LISTS_DIR", &cfg.Engine.ListsDir)
	e.int("RETENTION_DAYS", &cfg.Engine.RetentionDays)
	e.int("HISTORY_SHARDS", &cfg.Engine.HistoryShards)
	e.float("PPR_DAMPING", &cfg.Engine.PPRDamping)
	e.int("PPR_MAX_ITER", &cfg.Engine.PPRMaxIter)
	e.float("PPR_TOLERANCE", &cfg.Engine.PPRTolerance)
	e.int("MAX_DEPTH", &cfg.Engine.MaxDepth)
	e.int("MAX_VISITS", &cfg.Engine.MaxVisits)
	e.bool("INCLUDE_TOPOLOGY", &cfg.Engine.IncludeTopology)
	e.int("WORKERS", &cfg.Engine.Workers)
	e.int("WARM_DAYS", &cfg.Engine.WarmDays)

	e.str("DB_DRIVER", &cfg.Repository.Driver)
	e.str("SQLITE_PATH", &cfg.Repository.SQLitePath)
	e.str("POSTGRES_HOST", &cfg.Repository.PostgresHost)
	e.int("POSTGRES_PORT", &cfg.Repository.PostgresPort)
	e.str("POSTGRES_USER", &cfg.Repository.PostgresUser)
	e.str("POSTGRES_PASSWORD", &cfg.Repository.PostgresPassword)
	e.str("POSTGRES_DB", &cfg.Repository.PostgresDB)
	e.str("POSTGRES_SSLMODE", &cfg.Repository.PostgresSSLMode)

	e.str("CACHE", &cfg.Cache.Type)
	e.int("CACHE_SIZE", &cfg.Cache.LocalMaxSize)
	e.duration("CACHE_TTL", &cfg.Cache.LocalTTL)
	e.str("REDIS_ADDR", &cfg.Cache.RedisAddr)
	e.str("REDIS_PASSWORD", &cfg.Cache.RedisPassword)
	e.int("REDIS_DB", &cfg.Cache.RedisDB)
	e.bool("CACHE_TWO_PHASE", &cfg.Cache.EnableTwoPhase)

	e.str("BUS", &cfg.EventBus.Type)
	e.int("BUS_BUFFER", &cfg.EventBus.ChannelBufferSize)
	e.str("NATS_URL", &cfg.EventBus.NATSUrl)
	e.str("NATS_TOKEN", &cfg.EventBus.NATSToken)
	e.list("KAFKA_BROKERS", &cfg.EventBus.KafkaBrokers)
	e.str("KAFKA_GROUP", &cfg.EventBus.KafkaGroupID)

	e.str("JWT_SECRET", &cfg.Auth.JWTSecret)
	e.str("JWT_ISSUER", &cfg.Auth.Issuer)

	e.str("LOG_LEVEL", &cfg.Logging.Level)
	e.str("LOG_FORMAT", &cfg.Logging.Format)
	var debug bool
	if e.bool("DEBUG", &debug) && debug {
		cfg.Logging.Level = "debug"
	}
	e.bool("TRACING", &cfg.Tracing.Enabled)
	e.str("SERVICE_NAME", &cfg.Tracing.ServiceName)

	return errors.Join(e.errs...)
}

type env struct {
	lookup LookupFunc
	errs   []error
}

func (e *env) get(name string) (string, bool) {
	v, ok := e.lookup(Prefix + name)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}

func (e *env) fail(name, value string, err error) {
	e.errs = append(e.errs, fmt.Errorf("%s%s=%q: %w", Prefix, name, value, err))
}

func (e *env) str(name string, dst *string) {
	if v, ok := e.get(name); ok {
		*dst = v
	}
}

func (e *env) int(name string, dst *int) {
	v, ok := e.get(name)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.fail(name, v, err)
		return
	}
	*dst = n
}

func (e *env) float(name string, dst *float64) {
	v, ok := e.get(name)
	if !ok {
		return
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		e.fail(name, v, err)
		return
	}
	*dst = f
}

func (e *env) bool(name string, dst *bool) bool {
	v, ok := e.get(name)
	if !ok {
		return false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.fail(name, v, err)
		return false
	}
	*dst = b
	return true
}

func (e *env) duration(name string, dst *time.Duration) {
	v, ok := e.get(name)
	if !ok {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.fail(name, v, err)
		return
	}
	*dst = d
}

func (e *env) list(name string, dst *[]string) {
	v, ok := e.get(name)
	if !ok {
		return
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	*dst = out
}
