package service

import (
	"time"

	"github.com/stemsi/exstem-live/internal/config"
)

func testConfig() *config.Config {
	return &config.Config{
		JWTSecret: "test-secret-value",
		JWTExpiry: time.Hour,
	}
}
