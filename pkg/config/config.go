// gomuks-push - Encrypted push notification handling for gomuks.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package config loads and saves the gomuks-push config file.
package config

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/gomuks/gomuks-push/pkg/avatar"
	"github.com/gomuks/gomuks-push/pkg/pipeline"
	"github.com/gomuks/gomuks-push/pkg/pushcrypto"
)

//go:embed example-config.yaml
var ExampleConfig string

const (
	DefaultFetchTimeout = 10 * time.Second
	DefaultLogLevel     = "info"
	appDirName          = "gomuks-push"
)

type FileConfig struct {
	// ServerURL is the gomuks web address avatar paths are resolved against.
	ServerURL string `yaml:"server_url"`

	// PushEncryptionKey is the base64 key shared with the gomuks backend.
	// Leave empty until the backend has been paired; pushes are dropped
	// with a warning until then.
	PushEncryptionKey string `yaml:"push_encryption_key"`

	// ImageAuthToken is used to fetch avatars for pushes that don't carry
	// their own image_auth token.
	ImageAuthToken string `yaml:"image_auth_token"`

	// PushToken is the last token the push transport issued. It is written
	// back automatically when the token rotates.
	PushToken string `yaml:"push_token"`

	AvatarCacheDir string `yaml:"avatar_cache_dir"`
	AvatarMaxSize  int    `yaml:"avatar_max_size"`
	MaxHistory     int    `yaml:"max_history"`

	// Database is the sqlite file for notification IDs. If empty, IDs are
	// only kept in memory.
	Database string `yaml:"database"`

	FetchTimeout time.Duration `yaml:"fetch_timeout"`
	LogLevel     string        `yaml:"log_level"`

	Path string `yaml:"-"`

	pushKey  []byte
	logLevel zerolog.Level
}

type umFileConfig FileConfig

func (c *FileConfig) UnmarshalYAML(node *yaml.Node) error {
	err := node.Decode((*umFileConfig)(c))
	if err != nil {
		return err
	}
	return c.PostProcess()
}

// PostProcess fills defaults and validates the parsed values.
func (c *FileConfig) PostProcess() error {
	var err error
	c.ServerURL = strings.TrimSpace(c.ServerURL)
	if c.ServerURL != "" {
		parsed, err := url.Parse(c.ServerURL)
		if err != nil {
			return fmt.Errorf("invalid server_url: %w", err)
		} else if parsed.Scheme != "http" && parsed.Scheme != "https" {
			return fmt.Errorf("invalid server_url: scheme must be http or https")
		}
	}
	c.pushKey, err = pushcrypto.ParseKey(c.PushEncryptionKey)
	if err != nil {
		return fmt.Errorf("invalid push_encryption_key: %w", err)
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = DefaultFetchTimeout
	}
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
	c.logLevel, err = zerolog.ParseLevel(c.LogLevel)
	if err != nil {
		return fmt.Errorf("invalid log_level: %w", err)
	}
	return nil
}

// DefaultPath returns the config path used when none is given.
func DefaultPath() string {
	baseDir, _ := os.UserConfigDir()
	return filepath.Join(baseDir, appDirName, "config.yaml")
}

// Default returns the config used when the file doesn't exist yet.
func Default(path string) *FileConfig {
	cfg := &FileConfig{Path: path}
	// Can't fail without a key or server URL.
	_ = cfg.PostProcess()
	return cfg
}

// LoadConfig reads the config file. A missing file is not an error and
// returns the defaults.
func LoadConfig(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return Default(path), nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to read config at %s: %w", path, err)
	}
	var cfg FileConfig
	err = yaml.NewDecoder(bytes.NewReader(data)).Decode(&cfg)
	if errors.Is(err, io.EOF) {
		return Default(path), nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to parse config at %s: %w", path, err)
	}
	cfg.Path = path
	return &cfg, nil
}

// Save writes the config back to its path, replacing the file atomically.
func (c *FileConfig) Save() error {
	if c.Path == "" {
		return fmt.Errorf("config has no path")
	}
	dir := filepath.Dir(c.Path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".config-*.yaml")
	if err != nil {
		return fmt.Errorf("failed to open config for writing: %w", err)
	}
	_, err = tmp.Write(data)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err == nil {
		err = os.Rename(tmp.Name(), c.Path)
	}
	if err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// SetPushEncryptionKey replaces the stored key.
func (c *FileConfig) SetPushEncryptionKey(key []byte) {
	c.pushKey = key
	c.PushEncryptionKey = pushcrypto.EncodeKey(key)
}

// PushKey returns the decoded push encryption key, or nil if none is set.
func (c *FileConfig) PushKey() []byte {
	return c.pushKey
}

func (c *FileConfig) Level() zerolog.Level {
	return c.logLevel
}

// CacheDir returns the avatar cache directory, defaulting to a directory
// under the user cache dir.
func (c *FileConfig) CacheDir() string {
	if c.AvatarCacheDir != "" {
		return c.AvatarCacheDir
	}
	baseDir, err := os.UserCacheDir()
	if err != nil {
		baseDir = os.TempDir()
	}
	return filepath.Join(baseDir, appDirName, "avatar_cache")
}

func (c *FileConfig) AvatarOptions(userAgent string) avatar.Options {
	return avatar.Options{
		Dir:       c.CacheDir(),
		MaxSize:   c.AvatarMaxSize,
		Client:    &http.Client{Timeout: c.FetchTimeout},
		UserAgent: userAgent,
	}
}

func (c *FileConfig) PipelineConfig() pipeline.Config {
	return pipeline.Config{
		ServerURL:         c.ServerURL,
		PushEncryptionKey: c.pushKey,
		ImageAuthToken:    c.ImageAuthToken,
		PushToken:         c.PushToken,
	}
}
