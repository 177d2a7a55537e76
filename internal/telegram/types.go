package telegram

type PhotoSize struct {
	FileID       string `json:"file_id"`
	FileUniqueID string `json:"file_unique_id"`
	Width        int    `json:"width"`
	Height       int    `json:"height"`
	FileSize     int64  `json:"file_size"`
}

type Document struct {
	FileID   string `json:"file_id"`
	FileName string `json:"file_name"`
	MimeType string `json:"mime_type"`
	FileSize int64  `json:"file_size"`
}

type User struct {
	ID        int64  `json:"id"`
	Username  string `json:"username"`
	FirstName string `json:"first_name"`
}

type Chat struct {
	ID       int64  `json:"id"`
	Type     string `json:"type"`
	Title    string `json:"title"`
	Username string `json:"username"`
}

type Message struct {
	MessageID  int64       `json:"message_id"`
	From       *User       `json:"from"`
	SenderChat *Chat       `json:"sender_chat"`
	Chat       Chat        `json:"chat"`
	Date       int64       `json:"date"`
	Caption    string      `json:"caption"`
	Photo      []PhotoSize `json:"photo"`
	Document   *Document   `json:"document"`
}

type Update struct {
	UpdateID    int64    `json:"update_id"`
	Message     *Message `json:"message"`
	ChannelPost *Message `json:"channel_post"`
}

// Post returns the message carried by the update, if any.
func (u Update) Post() *Message {
	if u.Message != nil {
		return u.Message
	}
	return u.ChannelPost
}

type File struct {
	FileID   string `json:"file_id"`
	FileSize int64  `json:"file_size"`
	FilePath string `json:"file_path"`
}

type UserProfilePhotos struct {
	TotalCount int           `json:"total_count"`
	Photos     [][]PhotoSize `json:"photos"`
}

// Largest picks the biggest rendition of a photo by pixel area.
func Largest(sizes []PhotoSize) (PhotoSize, bool) {
	if len(sizes) == 0 {
		return PhotoSize{}, false
	}
	best := sizes[0]
	for _, s := range sizes[1:] {
		if s.Width*s.Height > best.Width*best.Height ||
			(s.Width*s.Height == best.Width*best.Height && s.FileSize > best.FileSize) {
			best = s
		}
	}
	return best, true
}
