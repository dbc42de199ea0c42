// Package model defines the archived Discord entities and the snowflake
// identifier type shared by the store, scraper, and HTTP layers.
//
// Timestamps are Unix milliseconds (int64). CreatedAt/UpdatedAt are
// maintained by the store layer; nullable times are pointers.
package model

// ChannelKind classifies a channel. Categories are never scraped for
// messages; threads are message-bearing children of text-like channels.
type ChannelKind string

const (
	ChannelText          ChannelKind = "text"
	ChannelVoice         ChannelKind = "voice"
	ChannelAnnouncement  ChannelKind = "announcement"
	ChannelCategory      ChannelKind = "category"
	ChannelPublicThread  ChannelKind = "public_thread"
	ChannelPrivateThread ChannelKind = "private_thread"
	ChannelStageVoice    ChannelKind = "stage_voice"
	ChannelForum         ChannelKind = "forum"
)

// Scrapeable reports whether the kind carries message history worth pulling.
func (k ChannelKind) Scrapeable() bool {
	return k != ChannelCategory
}

// IsThread reports whether the kind is a thread.
func (k ChannelKind) IsThread() bool {
	return k == ChannelPublicThread || k == ChannelPrivateThread
}

// HasThreads reports whether channels of this kind can own threads.
func (k ChannelKind) HasThreads() bool {
	return k == ChannelText || k == ChannelAnnouncement || k == ChannelForum
}

// DownloadState tracks an attachment's local-copy lifecycle.
type DownloadState string

const (
	DownloadPending    DownloadState = "pending"
	DownloadDownloaded DownloadState = "downloaded"
	DownloadFailed     DownloadState = "failed"
	DownloadSkipped    DownloadState = "skipped"
)

// Guild is an archived Discord server.
type Guild struct {
	ID             Snowflake `db:"id" json:"id"`
	Name           string    `db:"name" json:"name"`
	OwnerID        Snowflake `db:"owner_id" json:"owner_id"`
	MemberCount    int       `db:"member_count" json:"member_count"`
	FirstScrapedAt *int64    `db:"first_scraped_at" json:"first_scraped_at"`
	LastScrapedAt  *int64    `db:"last_scraped_at" json:"last_scraped_at"`
	ScrapeCount    int       `db:"scrape_count" json:"scrape_count"`
	CreatedAt      int64     `db:"created_at" json:"created_at"`
	UpdatedAt      int64     `db:"updated_at" json:"updated_at"`
}

// Channel is an archived channel, category, or thread. ParentID names the
// parent category (for regular channels) or the parent channel (for threads)
// as a plain snowflake; it is not a foreign key.
type Channel struct {
	ID            Snowflake   `db:"id" json:"id"`
	GuildID       Snowflake   `db:"guild_id" json:"guild_id"`
	Name          string      `db:"name" json:"name"`
	Kind          ChannelKind `db:"kind" json:"kind"`
	Topic         string      `db:"topic" json:"topic"`
	Position      int         `db:"position" json:"position"`
	ParentID      *Snowflake  `db:"parent_id" json:"parent_id"`
	MessageCount  int64       `db:"message_count" json:"message_count"`
	LastScrapedAt *int64      `db:"last_scraped_at" json:"last_scraped_at"`
	LastMessageID *Snowflake  `db:"last_message_id" json:"last_message_id"`
	CreatedAt     int64       `db:"created_at" json:"created_at"`
	UpdatedAt     int64       `db:"updated_at" json:"updated_at"`
}

// User is an archived message author.
type User struct {
	ID            Snowflake `db:"id" json:"id"`
	Username      string    `db:"username" json:"username"`
	Discriminator string    `db:"discriminator" json:"discriminator"`
	DisplayName   string    `db:"display_name" json:"display_name"`
	AvatarURL     string    `db:"avatar_url" json:"avatar_url"`
	Bot           bool      `db:"bot" json:"bot"`
	CreatedAt     int64     `db:"created_at" json:"created_at"`
	UpdatedAt     int64     `db:"updated_at" json:"updated_at"`
}

// Message is an archived message. Embeds holds the Discord embed list as
// JSON text ("[]" when none). ReferenceID names the replied-to message as a
// plain snowflake; the target may be absent from the archive.
type Message struct {
	ID              Snowflake  `db:"id" json:"id"`
	ChannelID       Snowflake  `db:"channel_id" json:"channel_id"`
	AuthorID        Snowflake  `db:"author_id" json:"author_id"`
	Content         string     `db:"content" json:"content"`
	CleanContent    string     `db:"clean_content" json:"clean_content"`
	SentAt          int64      `db:"sent_at" json:"sent_at"`
	EditedAt        *int64     `db:"edited_at" json:"edited_at"`
	Pinned          bool       `db:"pinned" json:"pinned"`
	TTS             bool       `db:"tts" json:"tts"`
	MentionEveryone bool       `db:"mention_everyone" json:"mention_everyone"`
	Embeds          string     `db:"embeds" json:"embeds"`
	ReferenceID     *Snowflake `db:"reference_id" json:"reference_id"`
	CreatedAt       int64      `db:"created_at" json:"created_at"`
	UpdatedAt       int64      `db:"updated_at" json:"updated_at"`
}

// Attachment is an archived attachment record. LocalPath is set once the
// file has been downloaded.
type Attachment struct {
	ID            Snowflake     `db:"id" json:"id"`
	MessageID     Snowflake     `db:"message_id" json:"message_id"`
	Filename      string        `db:"filename" json:"filename"`
	ContentType   string        `db:"content_type" json:"content_type"`
	Size          int64         `db:"size" json:"size"`
	RemoteURL     string        `db:"remote_url" json:"remote_url"`
	ProxyURL      string        `db:"proxy_url" json:"proxy_url"`
	Width         *int          `db:"width" json:"width"`
	Height        *int          `db:"height" json:"height"`
	LocalPath     *string       `db:"local_path" json:"local_path"`
	DownloadState DownloadState `db:"download_state" json:"download_state"`
	CreatedAt     int64         `db:"created_at" json:"created_at"`
	UpdatedAt     int64         `db:"updated_at" json:"updated_at"`
}

// Reaction is an aggregated emoji reaction on a message, keyed by
// (message_id, emoji_id, emoji_name). EmojiID is 0 for Unicode emoji.
type Reaction struct {
	MessageID     Snowflake `db:"message_id" json:"message_id"`
	EmojiID       Snowflake `db:"emoji_id" json:"emoji_id"`
	EmojiName     string    `db:"emoji_name" json:"emoji_name"`
	EmojiAnimated bool      `db:"emoji_animated" json:"emoji_animated"`
	Count         int       `db:"count" json:"count"`
	CreatedAt     int64     `db:"created_at" json:"created_at"`
	UpdatedAt     int64     `db:"updated_at" json:"updated_at"`
}
