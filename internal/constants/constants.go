package constants

import "time"

var PollConfig = struct {
	CheckInterval time.Duration
	SyncInterval  time.Duration
}{
	CheckInterval: 1 * time.Minute,  // userpage diff scan
	SyncInterval:  30 * time.Minute, // group member list refresh
}

var OsuConfig = struct {
	BaseURL          string
	AuthorizePath    string
	TokenPath        string
	Scopes           []string
	ProbationGroupID int
	FullGroupID      int
	RequestTimeout   time.Duration
	UserAgent        string

	BreakerThreshold    int
	BreakerResetTimeout time.Duration
}{
	BaseURL:          "https://osu.ppy.sh",
	AuthorizePath:    "/oauth/authorize",
	TokenPath:        "/oauth/token",
	Scopes:           []string{"identify", "public"},
	ProbationGroupID: 32,
	FullGroupID:      28,
	RequestTimeout:   15 * time.Second,
	UserAgent:        "Mozilla/5.0 (compatible; NominatorTrack/1.0)",

	BreakerThreshold:    5,
	BreakerResetTimeout: 2 * time.Minute,
}

var OAuthConfig = struct {
	CallbackAddr string
	AppDir       string
	TokenFile    string
}{
	CallbackAddr: "127.0.0.1:8080",
	AppDir:       "NominatorTrack",
	TokenFile:    "token.json",
}

var WebhookConfig = struct {
	MaxAttempts          int
	Timeout              time.Duration
	EmbedColor           int
	EmbedTitle           string
	MaxDescriptionLength int
}{
	MaxAttempts:          5,
	Timeout:              10 * time.Second,
	EmbedColor:           0x4A90E2,
	EmbedTitle:           ":warning: A nominator changed their userpage!",
	MaxDescriptionLength: 2000,
}

var DedupeConfig = struct {
	TTL       time.Duration
	KeyPrefix string
}{
	TTL:       60 * time.Minute,
	KeyPrefix: "notified:",
}

var ShutdownConfig = struct {
	Timeout time.Duration
}{
	Timeout: 10 * time.Second,
}
