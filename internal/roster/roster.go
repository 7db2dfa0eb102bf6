// Package roster persists the group members seen by each account, so
// conversation context can name who is in a group.
package roster

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/openclaw/dingbridge/internal/config"
)

// Member is one sighting of a user in a group conversation.
type Member struct {
	ID             uint   `gorm:"primaryKey;autoIncrement"`
	AccountID      string `gorm:"size:64;not null;uniqueIndex:idx_member_identity"`
	ConversationID string `gorm:"size:128;not null;uniqueIndex:idx_member_identity"`
	UserID         string `gorm:"size:64;not null;uniqueIndex:idx_member_identity"`
	Nick           string `gorm:"size:128"`
	LastSeen       time.Time
}

// Store is the roster database.
type Store struct {
	db *gorm.DB
}

// Open connects to the roster database per the config and migrates the
// schema.
func Open(cfg config.RosterConfig) (*Store, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "sqlite":
		dialector = sqlite.Open(cfg.Path)
	case "mysql":
		dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&charset=utf8mb4",
			cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Database)
		dialector = mysql.Open(dsn)
	default:
		return nil, fmt.Errorf("roster: unsupported driver %q", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("roster: connect: %w", err)
	}
	if err := db.AutoMigrate(&Member{}); err != nil {
		return nil, fmt.Errorf("roster: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// Note records that a user was seen in a conversation, updating the nick and
// last-seen stamp on repeat sightings.
func (s *Store) Note(accountID, conversationID, userID, nick string) error {
	m := Member{
		AccountID:      accountID,
		ConversationID: conversationID,
		UserID:         userID,
		Nick:           nick,
		LastSeen:       time.Now(),
	}
	err := s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "account_id"}, {Name: "conversation_id"}, {Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"nick", "last_seen"}),
	}).Create(&m).Error
	if err != nil {
		return fmt.Errorf("roster: note member: %w", err)
	}
	return nil
}

// Members returns the known members of a conversation, most recently seen
// first.
func (s *Store) Members(accountID, conversationID string) ([]Member, error) {
	var out []Member
	err := s.db.
		Where("account_id = ? AND conversation_id = ?", accountID, conversationID).
		Order("last_seen DESC").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("roster: list members: %w", err)
	}
	return out, nil
}

// Format renders members as "Nick (id), ..." sorted by nick for stable
// prompt context.
func Format(members []Member) string {
	sorted := make([]Member, len(members))
	copy(sorted, members)
	displayKey := func(m Member) string {
		if m.Nick != "" {
			return m.Nick
		}
		return m.UserID
	}
	sort.Slice(sorted, func(i, j int) bool {
		return displayKey(sorted[i]) < displayKey(sorted[j])
	})
	parts := make([]string, 0, len(sorted))
	for _, m := range sorted {
		if m.Nick != "" {
			parts = append(parts, fmt.Sprintf("%s (%s)", m.Nick, m.UserID))
		} else {
			parts = append(parts, m.UserID)
		}
	}
	return strings.Join(parts, ", ")
}
