package utils

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/marketsync_backend/config"
	"github.com/bsm/redislock"
	"github.com/shopspring/decimal"
	"github.com/ttacon/libphonenumber"
)

func NewTrue() *bool {
	b := true
	return &b
}

func NewFalse() *bool {
	b := false
	return &b
}

// NormalizePhoneNumber formats a raw phone number in E.164 when it parses for the
// country, otherwise returns the trimmed input unchanged.
func NormalizePhoneNumber(phoneNumber, countryCode string) string {
	phoneNumber = strings.TrimSpace(phoneNumber)
	if phoneNumber == "" {
		return ""
	}
	p, err := libphonenumber.Parse(phoneNumber, countryCode)
	if err != nil || !libphonenumber.IsValidNumber(p) {
		return phoneNumber
	}
	return libphonenumber.Format(p, libphonenumber.E164)
}

func UniqueSlice[T comparable](slice []T) []T {
	seen := make(map[T]struct{}, len(slice))
	out := make([]T, 0, len(slice))
	for _, v := range slice {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

// ParseDecimal converts a string to a decimal.Decimal value.
func ParseDecimal(value string) (decimal.Decimal, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return decimal.Zero, errors.New("empty decimal string")
	}

	dec, err := decimal.NewFromString(value)
	if err != nil {
		return decimal.Zero, err
	}

	return dec, nil
}

// ObtainLock wraps the shared redislock client. The caller must Release the lock.
func ObtainLock(ctx context.Context, lockType string, key string, ttl time.Duration, moduleName string, functionName string) (*redislock.Lock, error) {
	logger := config.GetLogger()
	locker := config.GetRedisLock()
	if locker == nil {
		// Avoid nil-pointer panics when Redis lock isn't initialized yet.
		config.LogError(logger, moduleName, functionName, "Redis lock not initialized", key, errors.New("redis lock is nil"))
		return nil, errors.New("service not ready (redis lock not initialized)")
	}
	lockKey := fmt.Sprintf("%s:%s", lockType, key)
	lock, err := locker.Obtain(ctx, lockKey, ttl, nil)
	if err == redislock.ErrNotObtained {
		return nil, redislock.ErrNotObtained
	} else if err != nil {
		config.LogError(logger, moduleName, functionName, "Error obtaining lock", lockKey, err)
		return nil, err
	}
	return lock, nil
}
