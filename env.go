// FILE: env.go
// Package main – Environment helpers.
//
// This file provides:
//   1) Small helpers to read environment variables with defaults
//      (strings, ints, floats, bools, durations in seconds).
//   2) loadBotEnv, which reads .env style files without overriding
//      variables already exported in the process environment.
package main

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

func getEnv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func getEnvBool(key string, def bool) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "1", "true", "y", "yes":
		return true
	case "0", "false", "n", "no":
		return false
	default:
		return def
	}
}

func getEnvInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}

func getEnvInt64(key string, def int64) int64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return i
}

// getEnvSeconds reads a whole number of seconds.
func getEnvSeconds(key string, def time.Duration) time.Duration {
	return time.Duration(getEnvInt(key, int(def/time.Second))) * time.Second
}

// getEnvList splits a comma separated value, dropping blanks.
func getEnvList(key, def string) []string {
	var out []string
	for _, p := range strings.Split(getEnv(key, def), ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// loadBotEnv loads ENV_FILE (default ".env") and then the optional
// secrets file SECRETS_FILE. Missing files are not an error.
func loadBotEnv() {
	for _, path := range []string{getEnv("ENV_FILE", ".env"), getEnv("SECRETS_FILE", "")} {
		if path == "" {
			continue
		}
		if _, err := os.Stat(path); err != nil {
			logrus.Debugf("env: %s not found, relying on process env", path)
			continue
		}
		if err := godotenv.Load(path); err != nil {
			logrus.WithError(err).Warnf("env: cannot parse %s", path)
			continue
		}
		logrus.Infof("env: loaded %s", path)
	}
}
