package kvstore

import "strings"

// Key names; combine with UserKey or GlobalKey
const (
	NameBalance          = "balance"
	NameHighestBalance   = "highestBalance"
	NameLastKnownBalance = "lastKnownBalance"
	NameDailyGains       = "dailyGains"
	NameDailyGainsDate   = "dailyGainsDate"
	NameDailyGainsBackup = "dailyGainsBackup"
	NameBotActive        = "botActive"
	NameLastAutoSession  = "lastAutoSession"
	NameLastTransaction  = "lastTransaction"

	backupSuffix = "_backup"
	userPrefix   = "user:"
	globalPrefix = "global:"
	lockPrefix   = "lock:"
)

// Kind classifies keys for validation
type Kind int

const (
	// KindPlain keys hold arbitrary strings
	KindPlain Kind = iota
	// KindBalance keys hold non-negative amounts with regression guards and a backup shadow
	KindBalance
	// KindGains keys hold non-negative amounts
	KindGains
)

// UserKey builds a user-scoped key
func UserKey(userID, name string) string {
	return userPrefix + userID + ":" + name
}

// GlobalKey builds a key shared by every user in the store
func GlobalKey(name string) string {
	return globalPrefix + name
}

// BackupKey returns the shadow key of a balance key
func BackupKey(key string) string {
	return key + backupSuffix
}

func lockKey(name string) string {
	return lockPrefix + name
}

// scopeOf returns the key prefix up to its last segment ("user:42" for "user:42:balance")
func scopeOf(key string) string {
	if i := strings.LastIndex(key, ":"); i >= 0 {
		return key[:i]
	}
	return ""
}

func nameOf(key string) string {
	if i := strings.LastIndex(key, ":"); i >= 0 {
		return key[i+1:]
	}
	return key
}

// KindOf classifies a key by its last segment
func KindOf(key string) Kind {
	name := nameOf(key)
	if strings.HasSuffix(name, backupSuffix) {
		name = strings.TrimSuffix(name, backupSuffix)
	}
	switch {
	case strings.Contains(strings.ToLower(name), "balance"):
		return KindBalance
	case name == NameDailyGains:
		return KindGains
	default:
		return KindPlain
	}
}

func transactionMarkerKey(key string) string {
	scope := scopeOf(key)
	if scope == "" {
		return NameLastTransaction
	}
	return scope + ":" + NameLastTransaction
}
