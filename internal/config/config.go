package config

import (
	"os"
	"strings"

	"github.com/spf13/viper"
)

// readSecret reads a Docker secret from a file path specified by an env var
// with _FILE suffix. If FOO is already set directly, the file is skipped.
func readSecret(envKey string) {
	if os.Getenv(envKey) != "" {
		return
	}
	filePath := os.Getenv(envKey + "_FILE")
	if filePath == "" {
		return
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return
	}
	os.Setenv(envKey, strings.TrimSpace(string(data)))
}

// Config is assembled once at process start and passed by reference to every
// component; nothing reads viper again after Load returns.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Mesh      MeshConfig
	Route     RouteConfig
	Optimiser OptimiserConfig
}

type ServerConfig struct {
	Port     string
	Env      string
	LogLevel string
}

type DatabaseConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	Name     string
	SSLMode  string
	TimeZone string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type MeshConfig struct {
	// Dir holds the gzipped mesh files; MetadataDir the upload_metadata_*.yaml.gz
	// sidecars. The import sweep fails fast when MetadataDir is unset.
	Dir            string
	MetadataDir    string
	ImportSchedule string
}

type RouteConfig struct {
	// WaypointDistanceTolerance is the dedup tolerance in nautical miles.
	WaypointDistanceTolerance float64
	// ExpectedDataSources maps human-readable data type to mesh loader name.
	ExpectedDataSources map[string]string
	// ExpectedDataFiles maps loader name to the expected number of data files.
	ExpectedDataFiles map[string]int
}

type OptimiserConfig struct {
	ServiceURL string
	Timeout    int // seconds
}

func Load() (*Config, error) {
	readSecret("DB_PASSWORD")
	readSecret("REDIS_PASSWORD")

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	viper.AutomaticEnv()

	_ = viper.BindEnv("server.port", "SERVER_PORT")
	_ = viper.BindEnv("server.env", "SERVER_ENV")
	_ = viper.BindEnv("server.log_level", "LOG_LEVEL")
	_ = viper.BindEnv("database.host", "DB_HOST")
	_ = viper.BindEnv("database.port", "DB_PORT")
	_ = viper.BindEnv("database.user", "DB_USER")
	_ = viper.BindEnv("database.password", "DB_PASSWORD")
	_ = viper.BindEnv("database.name", "DB_NAME")
	_ = viper.BindEnv("database.sslmode", "DB_SSLMODE")
	_ = viper.BindEnv("database.timezone", "DB_TIMEZONE")
	_ = viper.BindEnv("redis.addr", "REDIS_ADDR")
	_ = viper.BindEnv("redis.password", "REDIS_PASSWORD")
	_ = viper.BindEnv("redis.db", "REDIS_DB")
	_ = viper.BindEnv("mesh.dir", "POLARROUTE_MESH_DIR")
	_ = viper.BindEnv("mesh.metadata_dir", "POLARROUTE_MESH_METADATA_DIR")
	_ = viper.BindEnv("mesh.import_schedule", "POLARROUTE_MESH_IMPORT_SCHEDULE")
	_ = viper.BindEnv("route.waypoint_distance_tolerance", "WAYPOINT_DISTANCE_TOLERANCE")
	_ = viper.BindEnv("optimiser.service_url", "OPTIMISER_SERVICE_URL")
	_ = viper.BindEnv("optimiser.timeout", "OPTIMISER_TIMEOUT")

	viper.SetDefault("server.port", "8000")
	viper.SetDefault("server.env", "development")
	viper.SetDefault("server.log_level", "info")
	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", "5432")
	viper.SetDefault("database.user", "postgres")
	viper.SetDefault("database.password", "")
	viper.SetDefault("database.name", "polarrouteserver")
	viper.SetDefault("database.sslmode", "disable")
	viper.SetDefault("database.timezone", "UTC")
	viper.SetDefault("redis.addr", "localhost:6379")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("mesh.dir", "")
	viper.SetDefault("mesh.metadata_dir", "")
	viper.SetDefault("mesh.import_schedule", "0 4 * * *")
	viper.SetDefault("route.waypoint_distance_tolerance", 1.0)
	viper.SetDefault("route.expected_data_sources", map[string]string{
		"bathymetry":            "GEBCO",
		"current":               "duacs_currents",
		"sea ice concentration": "amsr",
		"thickness":             "thickness",
		"density":               "density",
	})
	viper.SetDefault("route.expected_data_files", map[string]interface{}{
		"GEBCO":          1,
		"duacs_currents": 3,
		"amsr":           3,
		"thickness":      0,
		"density":        0,
	})
	viper.SetDefault("optimiser.service_url", "http://localhost:8001")
	viper.SetDefault("optimiser.timeout", 3600)

	// Config file is optional; env vars and defaults suffice.
	_ = viper.ReadInConfig()

	expectedFiles := map[string]int{}
	for loader := range viper.GetStringMap("route.expected_data_files") {
		expectedFiles[loader] = viper.GetInt("route.expected_data_files." + loader)
	}

	cfg := &Config{
		Server: ServerConfig{
			Port:     viper.GetString("server.port"),
			Env:      viper.GetString("server.env"),
			LogLevel: viper.GetString("server.log_level"),
		},
		Database: DatabaseConfig{
			Host:     viper.GetString("database.host"),
			Port:     viper.GetString("database.port"),
			User:     viper.GetString("database.user"),
			Password: viper.GetString("database.password"),
			Name:     viper.GetString("database.name"),
			SSLMode:  viper.GetString("database.sslmode"),
			TimeZone: viper.GetString("database.timezone"),
		},
		Redis: RedisConfig{
			Addr:     viper.GetString("redis.addr"),
			Password: viper.GetString("redis.password"),
			DB:       viper.GetInt("redis.db"),
		},
		Mesh: MeshConfig{
			Dir:            viper.GetString("mesh.dir"),
			MetadataDir:    viper.GetString("mesh.metadata_dir"),
			ImportSchedule: viper.GetString("mesh.import_schedule"),
		},
		Route: RouteConfig{
			WaypointDistanceTolerance: viper.GetFloat64("route.waypoint_distance_tolerance"),
			ExpectedDataSources:       viper.GetStringMapString("route.expected_data_sources"),
			ExpectedDataFiles:         expectedFiles,
		},
		Optimiser: OptimiserConfig{
			ServiceURL: viper.GetString("optimiser.service_url"),
			Timeout:    viper.GetInt("optimiser.timeout"),
		},
	}

	return cfg, nil
}
