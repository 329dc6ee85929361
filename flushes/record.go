package flushes

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/flushes/flushes/atproto/syntax"

	"github.com/rivo/uniseg"
	"golang.org/x/text/unicode/norm"
)

// Collection all flush records are written to.
const Collection = syntax.NSID("im.flushing.right.now")

// Text longer than this many grapheme clusters is rejected.
const MaxTextGraphemes = 59

const DefaultEmoji = "🚽"

// Emoji a flush may carry. Anything else is rejected rather than stored.
var AllowedEmojis = []string{
	"🚽", "🧻", "💩", "💨", "🚾", "🧼", "🪠", "🚻", "🧴", "🚿", "🛁", "📱",
	"📖", "📰", "🎮", "🎧", "😌", "😅", "😬", "😰", "🥴", "🤢", "🤮", "😤",
	"😩", "🥵", "🔥", "💦", "💧", "🌊", "🙏", "💪", "🏃", "🏆", "👑", "💯",
	"☕", "🌶️", "🌮", "🍺", "🧀", "🥛",
}

var ErrInvalidRecord = errors.New("invalid flush record")

// An im.flushing.right.now record, as stored in the author's repo.
type Record struct {
	LexiconTypeID string          `json:"$type"`
	Text          string          `json:"text"`
	Emoji         string          `json:"emoji"`
	CreatedAt     syntax.Datetime `json:"createdAt"`
}

// Builds a validated record stamped with the current time. Text is trimmed and NFC-normalized; an empty emoji gets [DefaultEmoji].
func NewRecord(text, emoji string) (*Record, error) {
	if emoji == "" {
		emoji = DefaultEmoji
	}
	rec := &Record{
		LexiconTypeID: Collection.String(),
		Text:          norm.NFC.String(strings.TrimSpace(text)),
		Emoji:         emoji,
		CreatedAt:     syntax.DatetimeNow(),
	}
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	return rec, nil
}

func graphemeCount(s string) int {
	n := 0
	gr := uniseg.NewGraphemes(s)
	for gr.Next() {
		n++
	}
	return n
}

func (r *Record) Validate() error {
	if r.LexiconTypeID != "" && r.LexiconTypeID != Collection.String() {
		return fmt.Errorf("%w: unexpected $type %q", ErrInvalidRecord, r.LexiconTypeID)
	}
	if n := graphemeCount(r.Text); n > MaxTextGraphemes {
		return fmt.Errorf("%w: text is %d graphemes (max %d)", ErrInvalidRecord, n, MaxTextGraphemes)
	}
	if !slices.Contains(AllowedEmojis, r.Emoji) {
		return fmt.Errorf("%w: emoji not allowed: %q", ErrInvalidRecord, r.Emoji)
	}
	if _, err := syntax.ParseDatetime(r.CreatedAt.String()); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRecord, err)
	}
	return nil
}
