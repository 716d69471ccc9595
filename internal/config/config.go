package config

import (
	"io/fs"
	"time"
)

// -----------------------------------------------------------------------------
// Build Information
// -----------------------------------------------------------------------------

// Build variables are injected via -ldflags.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// UserAgent identifies the HTTP client.
var UserAgent = "Contact-Formatter/" + Version

// -----------------------------------------------------------------------------
// Application Constants
// -----------------------------------------------------------------------------

const (
	AppName           = "Contact Formatter"
	AppID             = "com.github.tartampluch.go-contactformatter"
	KeyringService    = "com.github.tartampluch.go-contactformatter"
	LocalhostBindAddr = "127.0.0.1"
	LogFileName       = "app.log"
	SettingsFileName  = "settings.yaml"
)

// -----------------------------------------------------------------------------
// Exit Codes
// -----------------------------------------------------------------------------

const (
	ExitCodeSuccess = 0
	ExitCodeError   = 1
)

// -----------------------------------------------------------------------------
// System & File Permissions
// -----------------------------------------------------------------------------

const (
	// FilePermUserRW represents -rw------- (Read/Write for owner only).
	// Used for sensitive files like logs and settings.
	FilePermUserRW fs.FileMode = 0600

	// DirPermUserRWX represents drwx------ (Read/Write/Exec for owner only).
	DirPermUserRWX fs.FileMode = 0700

	// ChannelBufferSize defines the standard buffer size for internal signaling channels.
	ChannelBufferSize = 1

	// TempFilePattern is used for atomic rewrites of the address book.
	TempFilePattern = ".contactformatter-*.tmp"
)

// -----------------------------------------------------------------------------
// CLI Flags & Descriptions
// -----------------------------------------------------------------------------

const (
	FlagVersion = "version"
	FlagDebug   = "debug"
	FlagConfig  = "config"
	FlagSource  = "source"
	FlagPath    = "path"
	FlagURL     = "url"
	FlagUser    = "user"
	FlagFormat  = "format"
	FlagRegion  = "region"
	FlagLang    = "lang"
	FlagExclude = "exclude"
	FlagCommit  = "commit"
	FlagServe   = "serve"
	FlagPort    = "port"
	FlagSave    = "save"

	FlagDescVersion = "Show application version and exit"
	FlagDescDebug   = "Enable debug logging to stdout"
	FlagDescConfig  = "Path to the settings file"
	FlagDescSource  = "Address book source: local or web"
	FlagDescPath    = "Path to the local .vcf address book"
	FlagDescURL     = "CardDAV or WebDAV URL of the address book"
	FlagDescUser    = "Username for the web address book (password is read from the OS keyring)"
	FlagDescFormat  = "Target format: international, national or e164"
	FlagDescRegion  = "Default region (ISO 3166-1 alpha-2) for numbers without a country code"
	FlagDescLang    = "Language of the CLI output"
	FlagDescExclude = "Comma separated contact:slot keys to leave untouched"
	FlagDescCommit  = "Write the proposed changes back to the address book"
	FlagDescServe   = "Serve the HTTP API instead of running once"
	FlagDescPort    = "Port of the HTTP API"
	FlagDescSave    = "Persist the effective settings, flag overrides included, to the settings file"

	MsgVersionOutput = "%s version %s (%s/%s)\n"
	KeySeparator     = ":"
	ListSeparator    = ","
)

// -----------------------------------------------------------------------------
// Translation Keys (I18n)
// -----------------------------------------------------------------------------

const (
	TKeyFormatInternational = "format_international"
	TKeyFormatNational      = "format_national"
	TKeyFormatE164          = "format_e164"
	TKeyPlanHeader          = "plan_header"    // Requires Format
	TKeyPlanEmpty           = "plan_empty"     // Nothing to format
	TKeyPlanLine            = "plan_line"      // Requires Name, Label, From, To
	TKeyPlanExcluded        = "plan_excluded"  // Suffix for excluded rows
	TKeyInvalidHeader       = "invalid_header" // Requires Count
	TKeyInvalidLine         = "invalid_line"   // Requires Name, Label, Value
	TKeyCommitSummary       = "commit_summary" // Requires Written, Failed
	TKeyCommitFailure       = "commit_failure" // Requires Name, Error
	TKeyAccessDenied        = "access_denied"  // Requires Status
	TKeyUnknownLabel        = "label_unknown"
)

// SupportedLanguages defines the list of available UI languages (ISO 639-1).
var SupportedLanguages = []string{"en", "fr"}

// -----------------------------------------------------------------------------
// Default Values & Business Logic
// -----------------------------------------------------------------------------

const (
	SourceModeWeb   = "web"
	SourceModeLocal = "local"
	DefaultPort     = "18081"
	DefaultLanguage = "en"
	DefaultRegion   = "US"
	DefaultFormat   = FormatNameInternational

	// DefaultBatchSize bounds how many records are ingested per snapshot update.
	DefaultBatchSize = 50

	UIDSalt       = "go-contactformatter-v1-" // Salt for deterministic contact IDs
	UIDHashLength = 16
	FormatHashIn  = "%s|%d|%s"

	// FormatDuplicateID disambiguates a UID shared by several cards: UID, card position.
	FormatDuplicateID = "%s#%d"

	FormatNameInternational = "international"
	FormatNameNational      = "national"
	FormatNameE164          = "e164"
)

// -----------------------------------------------------------------------------
// Standards: vCard
// -----------------------------------------------------------------------------

const (
	VCardTEL     = "TEL"
	VCardFN      = "FN"
	VCardUID     = "UID"
	VCardVersion = "VERSION"
	VCardV3      = "3.0"

	FallbackName = "unknown name"
)

// -----------------------------------------------------------------------------
// Network & Timeouts
// -----------------------------------------------------------------------------

const (
	HTTPTimeout         = 30 * time.Second
	ShutdownTimeout     = 5 * time.Second
	ServerReadTimeout   = 10 * time.Second
	ServerWriteTimeout  = 60 * time.Second
	ServerIdleTimeout   = 60 * time.Second
	HealthTimeout       = 500 * time.Millisecond
	RetryAfterSeconds   = "10"
	AllowedMethodsRead  = "GET, HEAD"
	AllowedMethodsCmd   = "POST"
	AllowedMethodsSet   = "PUT"
	MaxHTTPResponseSize = 256 * 1024 * 1024 // 256MB
	SchemeHTTP          = "http"
	SchemeHTTPS         = "https"
	AddrSeparator       = ":"

	RouteRoot    = "/"
	RouteRefresh = "/refresh"
	RouteCommit  = "/commit"
	RouteFormat  = "/format"
	RouteInclude = "/include"
	RouteMetrics = "/metrics"
	RouteHealth  = "/health"

	QueryStyle    = "style"
	QueryContact  = "contact"
	QuerySlot     = "slot"
	QueryIncluded = "included"
)

// -----------------------------------------------------------------------------
// HTTP Headers & MIME Types
// -----------------------------------------------------------------------------

const (
	HeaderContentType     = "Content-Type"
	HeaderCacheControl    = "Cache-Control"
	HeaderETag            = "ETag"
	HeaderLastModified    = "Last-Modified"
	HeaderRetryAfter      = "Retry-After"
	HeaderAllow           = "Allow"
	HeaderXContentType    = "X-Content-Type-Options"
	HeaderUserAgent       = "User-Agent"
	HeaderIfNoneMatch     = "If-None-Match"
	HeaderIfModifiedSince = "If-Modified-Since"

	MimeJSON            = "application/json; charset=utf-8"
	MimeVCard           = "text/vcard; charset=utf-8"
	MimeNoSniff         = "nosniff"
	CacheControlPrivate = "private, no-cache"

	// FormatETag expects a string argument.
	FormatETag = `"%s"`
)

// -----------------------------------------------------------------------------
// Error Messages (Technical/Logs)
// -----------------------------------------------------------------------------

const (
	ErrLocalPathEmpty   = "configuration error: local path is empty"
	ErrWebURLEmpty      = "configuration error: web URL is empty"
	ErrFetcherMissing   = "internal error: network fetcher is not initialized"
	ErrModeUnsupport    = "configuration error: unsupported source mode"
	ErrFormatUnsupport  = "configuration error: unsupported target format"
	ErrSettingsInvalid  = "configuration error: invalid settings"
	ErrSettingsRead     = "failed to read settings file"
	ErrSettingsWrite    = "failed to write settings file"
	ErrServerStartup    = "server startup failed"
	ErrServerShutdown   = "server shutdown failed"
	ErrPortRequired     = "server port is required"
	ErrInvalidURL       = "invalid URL structure"
	ErrProtocol         = "unsupported protocol scheme (http/https only)"
	ErrVCardParse       = "failed to parse vCard stream"
	ErrVCardEncode      = "failed to encode vCard data"
	ErrContactNotFound  = "contact not found in address book"
	ErrSlotOutOfRange   = "phone number slot out of range"
	ErrAddressBookWrite = "failed to write address book"
	ErrUpload           = "failed to upload address book"
	ErrResponseTooLarge = "address book exceeds maximum download size"
	ErrMetricsRegister  = "failed to register metrics collectors"
	ErrLogFile          = "failed to open log file"
	ErrCacheDir         = "could not determine user cache dir"
	ErrConfigDir        = "could not determine user config dir"
	ErrCreateDir        = "could not create app directory"
	ErrAppFailed        = "application failed unexpectedly"
	ErrWriteResp        = "failed to write response body"
	ErrLocalesAccess    = "failed to access embedded locales"
	ErrLocaleLoad       = "failed to load locale file"
	ErrBadKey           = "malformed record key"
	ErrBadQuery         = "malformed query parameter"
)

// -----------------------------------------------------------------------------
// HTTP Server Responses
// -----------------------------------------------------------------------------

const (
	HTTPMsgInitializing = "Snapshot initializing, please try again shortly."
	HTTPMsgMethodNotAll = "Method Not Allowed"
	HTTPMsgInternalErr  = "Internal Server Error"
	HTTPMsgBusy         = "Engine busy, retry later."
	HTTPMsgNotFound     = "Record not found"
	HTTPMsgStopped      = "Engine stopped"
	HTTPMsgHealthy      = "OK"
	HTTPMsgUnhealthy    = "UNHEALTHY: "
)

// -----------------------------------------------------------------------------
// Log Messages
// -----------------------------------------------------------------------------

const (
	MsgRefreshStarted  = "Refresh started"
	MsgRefreshDone     = "Refresh finished"
	MsgRefreshBusy     = "Refresh rejected, operation in flight"
	MsgAccessDenied    = "Address book access not granted"
	MsgAccessRequest   = "Requesting address book access"
	MsgEnumFailed      = "Enumeration failed, keeping partial snapshot"
	MsgBatchIngested   = "Batch ingested"
	MsgCommitStarted   = "Commit started"
	MsgCommitDone      = "Commit finished"
	MsgCommitBusy      = "Commit rejected, operation in flight"
	MsgCommitNoop      = "Commit skipped, nothing to write"
	MsgWriteFailed     = "Phone number write failed"
	MsgWriteOK         = "Phone number written"
	MsgFormatChanged   = "Target format changed"
	MsgEngineStart     = "Engine started"
	MsgEngineStop      = "Engine stopping due to context cancellation"
	MsgStatFailed      = "Address book stat failed"
	MsgAppStarting     = "Starting application"
	MsgAppStop         = "Application stopped gracefully"
	MsgAppWired        = "Application wired"
	MsgExcludeUnknown  = "Excluded record not found, ignoring"
	MsgServerListen    = "HTTP server listening"
	MsgServerStop      = "Shutting down HTTP server..."
	MsgCacheUpdated    = "Snapshot cache updated"
	MsgCommandFailed   = "HTTP command failed"
	MsgWatchStopped    = "Snapshot feed closed"
	MsgLocaleSkip      = "Skipping non-locale file"
	MsgLocaleBadName   = "Skipping malformed locale filename"
	MsgLocaleLoaded    = "Locale loaded successfully"
	MsgTransMissing    = "Missing translation key"
	MsgPassFail        = "Password retrieval failed (might be empty)"
	MsgLogWarning      = "Warning: %s at %s: %v\n"
	MsgSettingsMissing = "Settings file not found, using defaults"
	MsgSettingsSaved   = "Settings saved"
	MsgRegionFallback  = "Could not derive region from locale, using default"
	MsgDownload        = "Address book downloading"
	MsgUpload          = "Address book uploading"
)

// -----------------------------------------------------------------------------
// Structured Logging Keys (slog)
// -----------------------------------------------------------------------------

const (
	LogKeyComponent = "component"
	LogKeyError     = "error"
	LogKeyURL       = "url"
	LogKeyStatus    = "status_code"
	LogKeyFile      = "file"
	LogKeyLang      = "lang"
	LogKeyKey       = "key"
	LogKeyPort      = "port"
	LogKeyMode      = "mode"
	LogKeyUser      = "user"
	LogKeyAccess    = "access"
	LogKeyFormat    = "format"
	LogKeyOld       = "old"
	LogKeyNew       = "new"
	LogKeyRegion    = "region"
	LogKeyContact   = "contact_id"
	LogKeySlot      = "slot"
	LogKeyName      = "name"
	LogKeyValue     = "value"
	LogKeyStats     = "stats"
	LogKeyValid     = "valid"
	LogKeyInvalid   = "invalid"
	LogKeyBatch     = "batch_size"
	LogKeyWritten   = "written"
	LogKeyFailed    = "failed"
	LogKeyCount     = "count"
	LogKeySizeBytes = "size_bytes"
	LogKeyETag      = "etag"
	LogKeyDuration  = "duration_ms"
	LogKeyRoute     = "route"

	// Startup Info Keys
	LogKeyBuild   = "build"
	LogKeyApp     = "app"
	LogKeyVersion = "version"
	LogKeyGoVer   = "go_version"
	LogKeyEnv     = "env"
	LogKeyOS      = "os"
	LogKeyArch    = "arch"
	LogKeyPID     = "pid"
)

// -----------------------------------------------------------------------------
// Log Components
// -----------------------------------------------------------------------------

const (
	CompEngine   = "engine"
	CompStore    = "store"
	CompServer   = "server"
	CompFetcher  = "fetcher"
	CompMain     = "main"
	CompI18n     = "i18n"
	CompSettings = "settings"
	CompPhone    = "phone"
	CompMetrics  = "metrics"
)

// -----------------------------------------------------------------------------
// Metrics
// -----------------------------------------------------------------------------

const (
	MetricsNamespace = "contactformatter"
	MetricOutcome    = "outcome"
	MetricResult     = "result"
	MetricOperation  = "operation"
	OutcomeValid     = "valid"
	OutcomeInvalid   = "invalid"
	ResultOK         = "ok"
	ResultFailed     = "failed"
	OpRefresh        = "refresh"
	OpCommit         = "commit"
)
