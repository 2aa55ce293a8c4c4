package fntv

import "encoding/json"

// envelope wraps every JSON response from the server.
type envelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// StreamList is the raw stream graph for one item. Tracks reference their file
// through MediaGUID.
type StreamList struct {
	Files           []FileStream     `json:"files"`
	VideoStreams    []VideoStream    `json:"video_streams"`
	AudioStreams    []AudioStream    `json:"audio_streams"`
	SubtitleStreams []SubtitleStream `json:"subtitle_streams"`
}

// FileStream is one encoded file of a title.
type FileStream struct {
	GUID      string `json:"guid"`
	Path      string `json:"path"`
	Size      int64  `json:"size"`
	Container string `json:"container,omitempty"`
}

// VideoStream describes a video elementary stream.
type VideoStream struct {
	GUID           string  `json:"guid"`
	MediaGUID      string  `json:"media_guid"`
	CodecName      string  `json:"codec_name"`
	Width          int     `json:"width"`
	Height         int     `json:"height"`
	ResolutionType string  `json:"resolution_type,omitempty"`
	BitRate        int     `json:"bit_rate"`
	Duration       float64 `json:"duration"`
	Language       string  `json:"language,omitempty"`
	IsDefault      int     `json:"is_default"`
}

// AudioStream describes an audio elementary stream.
type AudioStream struct {
	GUID          string `json:"guid"`
	MediaGUID     string `json:"media_guid"`
	CodecName     string `json:"codec_name"`
	Channels      int    `json:"channels"`
	ChannelLayout string `json:"channel_layout,omitempty"`
	Language      string `json:"language,omitempty"`
	Title         string `json:"title,omitempty"`
	IsDefault     int    `json:"is_default"`
}

// SubtitleStream describes an embedded or external subtitle.
type SubtitleStream struct {
	GUID       string `json:"guid"`
	MediaGUID  string `json:"media_guid"`
	CodecName  string `json:"codec_name"`
	Format     string `json:"format,omitempty"`
	Language   string `json:"language,omitempty"`
	Title      string `json:"title,omitempty"`
	IsExternal int    `json:"is_external"`
	IsDefault  int    `json:"is_default"`
}

// PlayInfo is the server's record of where the user left off.
type PlayInfo struct {
	ItemGUID     string   `json:"item_guid"`
	MediaGUID    string   `json:"media_guid"`
	VideoGUID    string   `json:"video_guid"`
	AudioGUID    string   `json:"audio_guid"`
	SubtitleGUID string   `json:"subtitle_guid"`
	Timestamp    float64  `json:"ts"`
	Item         ItemInfo `json:"item"`
}

// ItemInfo carries display metadata used for logging.
type ItemInfo struct {
	GUID     string  `json:"guid"`
	Title    string  `json:"title"`
	Type     string  `json:"type"`
	Duration float64 `json:"duration"`
}

// PrepareRequest asks the transcode service for a playable link.
type PrepareRequest struct {
	MediaGUID      string  `json:"media_guid"`
	VideoGUID      string  `json:"video_guid"`
	VideoEncoder   string  `json:"video_encoder"`
	Resolution     string  `json:"resolution"`
	Bitrate        int     `json:"bitrate"`
	StartTimestamp float64 `json:"startTimestamp"`
	AudioEncoder   string  `json:"audio_encoder"`
	AudioGUID      string  `json:"audio_guid"`
	SubtitleGUID   string  `json:"subtitle_guid"`
	Channels       int     `json:"channels"`
}

// PrepareResponse holds the transcode playlist path.
type PrepareResponse struct {
	PlayLink string `json:"play_link"`
}

// ProgressRecord is the watch-progress payload persisted by the server.
type ProgressRecord struct {
	ItemGUID     string  `json:"item_guid"`
	MediaGUID    string  `json:"media_guid"`
	VideoGUID    string  `json:"video_guid"`
	AudioGUID    string  `json:"audio_guid"`
	SubtitleGUID string  `json:"subtitle_guid,omitempty"`
	Resolution   string  `json:"resolution"`
	Bitrate      int     `json:"bitrate"`
	Timestamp    float64 `json:"ts"`
	Duration     float64 `json:"duration"`
	PlayLink     string  `json:"play_link"`
}

// loginRequest and loginResponse are the credential exchange payloads.
type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	AppName  string `json:"app_name"`
}

type loginResponse struct {
	Token string `json:"token"`
}

// UserInfo is returned by the token check endpoint.
type UserInfo struct {
	GUID     string `json:"guid"`
	Username string `json:"username"`
	IsAdmin  int    `json:"is_admin"`
}
