package main

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	Addr              string
	TLSCert           string
	TLSKey            string
	MaxRooms          int
	MaxClientsPerRoom int
	MaxMessageSize    int64
	RoomIdleTimeout   time.Duration
	RateLimitPerIP    float64
	MessageRate       float64
	FlushDelay        time.Duration
	MaxBatchSize      int
	CursorInterval    time.Duration
	AuthPublicKey     string // base64url Ed25519 key; empty trusts ping identities
	DatabaseURL       string
	PyroscopeAddr     string
}

func LoadConfig() *Config {
	return &Config{
		Addr:              envStr("SYNC_ADDR", ":8443"),
		TLSCert:           envStr("SYNC_TLS_CERT", ""),
		TLSKey:            envStr("SYNC_TLS_KEY", ""),
		MaxRooms:          envInt("SYNC_MAX_ROOMS", 1000),
		MaxClientsPerRoom: envInt("SYNC_MAX_CLIENTS_PER_ROOM", 64),
		MaxMessageSize:    int64(envInt("SYNC_MAX_MESSAGE_SIZE", 65536)),
		RoomIdleTimeout:   time.Duration(envInt("SYNC_ROOM_IDLE_TIMEOUT", 3600)) * time.Second,
		RateLimitPerIP:    float64(envInt("SYNC_RATE_LIMIT_PER_IP", 100)),
		MessageRate:       float64(envInt("SYNC_MESSAGE_RATE", 120)),
		FlushDelay:        time.Duration(envInt("SYNC_FLUSH_DELAY_MS", 100)) * time.Millisecond,
		MaxBatchSize:      envInt("SYNC_MAX_BATCH_SIZE", 10),
		CursorInterval:    time.Duration(envInt("SYNC_CURSOR_INTERVAL_MS", 16)) * time.Millisecond,
		AuthPublicKey:     envStr("SYNC_AUTH_PUBKEY", ""),
		DatabaseURL:       envStr("SYNC_DATABASE_URL", ""),
		PyroscopeAddr:     envStr("SYNC_PYROSCOPE_ADDR", ""),
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
