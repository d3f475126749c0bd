package config

import (
	"fmt"

	"github.com/hashicorp/go-multierror"
)

// APIConfig contains all API server configuration.
type APIConfig struct {
	Server   APIServerConfig   `yaml:"server" mapstructure:"server"`
	Database APIDatabaseConfig `yaml:"database" mapstructure:"database"`
	Archive  ArchiveConfig     `yaml:"archive,omitempty" mapstructure:"archive"`
	Seed     SeedConfig        `yaml:"seed,omitempty" mapstructure:"seed"`
}

// APIServerConfig contains HTTP server settings.
type APIServerConfig struct {
	Listen      string          `yaml:"listen" mapstructure:"listen"`
	CORSOrigins []string        `yaml:"cors_origins,omitempty" mapstructure:"cors_origins"`
	RateLimit   RateLimitConfig `yaml:"rate_limit,omitempty" mapstructure:"rate_limit"`
}

// RateLimitConfig configures per-IP rate limiting.
type RateLimitConfig struct {
	Enabled bool          `yaml:"enabled" mapstructure:"enabled"`
	Upload  RateLimitTier `yaml:"upload,omitempty" mapstructure:"upload"`
	Public  RateLimitTier `yaml:"public,omitempty" mapstructure:"public"`
}

// RateLimitTier defines request limits for a specific tier.
type RateLimitTier struct {
	RequestsPerMinute int `yaml:"requests_per_minute" mapstructure:"requests_per_minute"`
}

// APIDatabaseConfig contains database connection settings.
type APIDatabaseConfig struct {
	Driver   string               `yaml:"driver" mapstructure:"driver"`
	SQLite   SQLiteDatabaseConfig `yaml:"sqlite,omitempty" mapstructure:"sqlite"`
	Postgres PostgresConfig       `yaml:"postgres,omitempty" mapstructure:"postgres"`
}

// SQLiteDatabaseConfig contains SQLite-specific settings.
type SQLiteDatabaseConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// PostgresConfig contains PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string `yaml:"host" mapstructure:"host"`
	Port     int    `yaml:"port" mapstructure:"port"`
	User     string `yaml:"user" mapstructure:"user"`
	Password string `yaml:"password" mapstructure:"password"`
	Database string `yaml:"database" mapstructure:"database"`
	SSLMode  string `yaml:"ssl_mode,omitempty" mapstructure:"ssl_mode"`
}

// ArchiveConfig configures the S3 mirror of raw uploaded payloads.
type ArchiveConfig struct {
	Enabled         bool   `yaml:"enabled" mapstructure:"enabled"`
	EndpointURL     string `yaml:"endpoint_url,omitempty" mapstructure:"endpoint_url"`
	Region          string `yaml:"region,omitempty" mapstructure:"region"`
	Bucket          string `yaml:"bucket" mapstructure:"bucket"`
	Prefix          string `yaml:"prefix,omitempty" mapstructure:"prefix"`
	AccessKeyID     string `yaml:"access_key_id,omitempty" mapstructure:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty" mapstructure:"secret_access_key"`
	ForcePathStyle  bool   `yaml:"force_path_style" mapstructure:"force_path_style"`
}

// SeedConfig lists projects and applications created on startup.
// Project and application management lives outside this service, so
// config is the only way to register upload targets.
type SeedConfig struct {
	Projects []ProjectSeed `yaml:"projects,omitempty" mapstructure:"projects"`
}

// ProjectSeed defines a project and its applications.
type ProjectSeed struct {
	Name         string            `yaml:"name" mapstructure:"name"`
	Owner        string            `yaml:"owner" mapstructure:"owner"`
	Description  string            `yaml:"description,omitempty" mapstructure:"description"`
	Applications []ApplicationSeed `yaml:"applications" mapstructure:"applications"`
}

// ApplicationSeed defines a tuning target registered under a project.
type ApplicationSeed struct {
	Name            string `yaml:"name" mapstructure:"name"`
	UploadCode      string `yaml:"upload_code" mapstructure:"upload_code"`
	DBMSType        string `yaml:"dbms_type" mapstructure:"dbms_type"`
	DBMSVersion     string `yaml:"dbms_version" mapstructure:"dbms_version"`
	Hardware        string `yaml:"hardware" mapstructure:"hardware"`
	TuningSession   bool   `yaml:"tuning_session" mapstructure:"tuning_session"`
	TargetObjective string `yaml:"target_objective,omitempty" mapstructure:"target_objective"`
}

func (c *APIConfig) validate() error {
	var result *multierror.Error

	if c.Server.Listen == "" {
		result = multierror.Append(result,
			fmt.Errorf("api: server.listen is required"))
	}

	switch c.Database.Driver {
	case "sqlite":
		if c.Database.SQLite.Path == "" {
			result = multierror.Append(result,
				fmt.Errorf("api: database.sqlite.path is required"))
		}
	case "postgres":
		if c.Database.Postgres.Host == "" {
			result = multierror.Append(result,
				fmt.Errorf("api: database.postgres.host is required"))
		}
	default:
		result = multierror.Append(result,
			fmt.Errorf("api: unsupported database driver %q", c.Database.Driver))
	}

	if c.Archive.Enabled && c.Archive.Bucket == "" {
		result = multierror.Append(result,
			fmt.Errorf("api: archive.bucket is required when archive is enabled"))
	}

	codes := make(map[string]struct{}, 8)

	for i, p := range c.Seed.Projects {
		if p.Name == "" {
			result = multierror.Append(result,
				fmt.Errorf("api: seed project %d: name is required", i))
		}

		for j, app := range p.Applications {
			if app.Name == "" || app.UploadCode == "" {
				result = multierror.Append(result, fmt.Errorf(
					"api: seed project %q application %d: name and upload_code are required",
					p.Name, j,
				))

				continue
			}

			if app.DBMSType == "" || app.DBMSVersion == "" {
				result = multierror.Append(result, fmt.Errorf(
					"api: seed application %q: dbms_type and dbms_version are required",
					app.Name,
				))
			}

			if _, dup := codes[app.UploadCode]; dup {
				result = multierror.Append(result, fmt.Errorf(
					"api: seed application %q: duplicate upload_code", app.Name,
				))
			}

			codes[app.UploadCode] = struct{}{}
		}
	}

	return result.ErrorOrNil()
}
