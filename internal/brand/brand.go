// Package brand provides centralized naming constants for privacyd.
//
// The identity is loaded from brand.json at compile time via go:embed so that
// packaging scripts can read the same file.
package brand

import (
	_ "embed"
	"encoding/json"
	"os"
	"path/filepath"
)

//go:embed brand.json
var brandJSON []byte

// Brand holds all naming information.
type Brand struct {
	Name             string `json:"name"`
	LowerName        string `json:"lowerName"`
	Description      string `json:"description"`
	ConfigEnvPrefix  string `json:"configEnvPrefix"`
	DefaultConfigDir string `json:"defaultConfigDir"`
	ConfigFileName   string `json:"configFileName"`
	BinaryName       string `json:"binaryName"`
	ChainName        string `json:"chainName"`
	TableName        string `json:"tableName"`
	CameraKind       string `json:"cameraKind"`
	RuleKind         string `json:"ruleKind"`
}

var b Brand

func init() {
	if err := json.Unmarshal(brandJSON, &b); err != nil {
		panic("failed to parse brand.json: " + err.Error())
	}

	Name = b.Name
	LowerName = b.LowerName
	Description = b.Description
	ConfigEnvPrefix = b.ConfigEnvPrefix
	DefaultConfigDir = b.DefaultConfigDir
	ConfigFileName = b.ConfigFileName
	BinaryName = b.BinaryName
	ChainName = b.ChainName
	TableName = b.TableName
	CameraKind = b.CameraKind
	RuleKind = b.RuleKind
}

var (
	Name             string
	LowerName        string
	Description      string
	ConfigEnvPrefix  string
	DefaultConfigDir string
	ConfigFileName   string
	BinaryName       string
	ChainName        string
	TableName        string
	CameraKind       string
	RuleKind         string

	// Version is set at build time via -ldflags
	Version   = "dev"
	BuildTime = "unknown"
)

// Get returns the full Brand struct
func Get() Brand {
	return b
}

// UserAgent returns a User-Agent string for HTTP requests
func UserAgent() string {
	return Name + "/" + Version
}

// GetConfigDir returns the config directory, checking env vars first.
// Priority: PRIVACYD_CONFIG_DIR > DefaultConfigDir
func GetConfigDir() string {
	if dir := os.Getenv(ConfigEnvPrefix + "_CONFIG_DIR"); dir != "" {
		return dir
	}
	return DefaultConfigDir
}

// DefaultConfigPath returns the full path of the default config file.
func DefaultConfigPath() string {
	return filepath.Join(GetConfigDir(), ConfigFileName)
}
