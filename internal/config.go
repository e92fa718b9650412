package internal

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/Netflix/go-env"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/samber/lo"
)

// demoValues are the local values of the two-rank demo.
var demoValues = []int64{3, 5}

var validate = validator.New()

// RankConfig configures a single participant process.
type RankConfig struct {
	Rank         int           `env:"RANK,required=true" validate:"gte=0"`
	GroupSize    int           `env:"GROUP_SIZE,required=true" validate:"gte=1"`
	Addresses    string        `env:"ADDRESSES,required=true" validate:"required"`
	LocalValue   int64         `env:"LOCAL_VALUE,required=true"`
	RequiredSize int           `env:"REQUIRED_SIZE,default=2" validate:"gte=0"`
	DialTimeout  time.Duration `env:"DIAL_TIMEOUT,default=10s" validate:"gt=0"`
	LogLevel     string        `env:"LOG_LEVEL,default=INFO" validate:"oneof=DEBUG INFO WARN ERROR"`
}

// AddressList returns one address per rank.
func (r RankConfig) AddressList() []string {
	return splitList(r.Addresses)
}

// LocalConfig configures a whole group run inside one
// process.
type LocalConfig struct {
	// Values holds one comma-separated value per rank.
	// If it is empty, the two-rank demo values are used.
	Values       string `env:"VALUES"`
	RequiredSize int    `env:"REQUIRED_SIZE,default=2" validate:"gte=0"`
	LogLevel     string `env:"LOG_LEVEL,default=INFO" validate:"oneof=DEBUG INFO WARN ERROR"`
}

// ParseValues returns the local value of every rank.
func (l LocalConfig) ParseValues() ([]int64, error) {
	if strings.TrimSpace(l.Values) == "" {
		return append([]int64{}, demoValues...), nil
	}
	var res []int64
	for _, field := range strings.Split(l.Values, ",") {
		value, err := strconv.ParseInt(strings.TrimSpace(field), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("VALUES: %w", err)
		}
		res = append(res, value)
	}
	return res, nil
}

// LoadRankConfig reads a RankConfig from the environment
// and an optional .env file.
func LoadRankConfig() (RankConfig, error) {
	var config RankConfig
	return config, load(&config)
}

// LoadLocalConfig reads a LocalConfig from the
// environment and an optional .env file.
func LoadLocalConfig() (LocalConfig, error) {
	var config LocalConfig
	return config, load(&config)
}

func load(config any) error {
	_ = godotenv.Load()
	if _, err := env.UnmarshalFromEnviron(config); err != nil {
		return fmt.Errorf("config error: %w", err)
	}
	if err := validate.Struct(config); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func splitList(s string) []string {
	fields := lo.Map(strings.Split(s, ","), func(f string, _ int) string {
		return strings.TrimSpace(f)
	})
	return lo.Compact(fields)
}
