package config

import (
	"errors"
	"io/fs"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	log "github.com/sirupsen/logrus"
)

const Prefix = "DANCESHARE"

var ErrSweepInterval = errors.New("SWEEP_EVERY must be positive when SESSION_TTL is set")

type Config struct {
	Port          string `envconfig:"PORT" default:"8080"`
	DBFile        string `envconfig:"DB_FILE" default:"danceshare.db"`
	UploadDir     string `envconfig:"UPLOAD_DIR" default:"uploads"`
	TempDir       string `envconfig:"TEMP_DIR" default:"tmp"`
	QuotaBytes    int64  `envconfig:"QUOTA_BYTES" default:"2147483648"` // 2 GiB
	MaxChunkBytes int64  `envconfig:"MAX_CHUNK_BYTES" default:"67108864"`
	LogLevel      string `envconfig:"LOG_LEVEL" default:"info"`

	MediaConfig
	SessionConfig
}

type MediaConfig struct {
	FFmpeg          string        `envconfig:"FFMPEG" default:"ffmpeg"`
	FFprobe         string        `envconfig:"FFPROBE" default:"ffprobe"`
	ConvertTimeout  time.Duration `envconfig:"CONVERT_TIMEOUT" default:"300s"`
	ThumbnailAt     time.Duration `envconfig:"THUMBNAIL_AT" default:"2s"`
	VerifyCanonical bool          `envconfig:"VERIFY_CANONICAL" default:"false"`
}

// SessionConfig controls the sweeper for abandoned chunked uploads. A zero SessionTTL disables it.
type SessionConfig struct {
	SessionTTL time.Duration `envconfig:"SESSION_TTL" default:"0"`
	SweepEvery time.Duration `envconfig:"SWEEP_EVERY" default:"15m"`
}

// Load reads the optional dotenv files, then the DANCESHARE_* environment. The embedded
// sections share the prefix. Variables already set in the environment win over the files.
func Load(files ...string) (*Config, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}

	var cfg Config
	if err := envconfig.Process(Prefix, &cfg); err != nil {
		return nil, err
	}
	if cfg.SessionTTL > 0 && cfg.SweepEvery <= 0 {
		return nil, ErrSweepInterval
	}
	return &cfg, nil
}

func (c *Config) Level() log.Level {
	lvl, err := log.ParseLevel(c.LogLevel)
	if err != nil {
		return log.InfoLevel
	}
	return lvl
}
