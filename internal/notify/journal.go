package notify

import (
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// AnnouncementRecord is one delivered announcement in the audit journal.
type AnnouncementRecord struct {
	gorm.Model `json:"-"`
	RunID      string `gorm:"index" json:"run_id"`
	Date       string `json:"date"`
	Text       string `json:"text"`
	SentAt     time.Time
}

// JournalNotifier journals every announcement before forwarding it to
// the wrapped notifier. A failed journal write is logged and the
// announcement still goes out.
type JournalNotifier struct {
	next  Notifier
	db    *gorm.DB
	runID string
}

func NewJournalNotifier(next Notifier, db *gorm.DB, runID string) *JournalNotifier {
	return &JournalNotifier{next: next, db: db, runID: runID}
}

func (j *JournalNotifier) Announce(date, text string) {
	rec := AnnouncementRecord{RunID: j.runID, Date: date, Text: text, SentAt: time.Now()}
	if err := j.db.Create(&rec).Error; err != nil {
		log.Error().Err(err).Msg("notify: journal write failed")
	}
	j.next.Announce(date, text)
}
