// Package questions persists trivia questions.
package questions

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/xtrntr/papertrade/internal/models"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ErrNotFound is returned when a question does not exist
var ErrNotFound = errors.New("question not found")

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// Store is a gorm-backed question repository
type Store struct {
	gdb   *gorm.DB
	sqlDB *sql.DB
}

// Open builds a store on top of an existing pgx pool
func Open(pool *pgxpool.Pool) (*Store, error) {
	sqlDB := stdlib.OpenDBFromPool(pool)
	gdb, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("failed to open gorm: %w", err)
	}
	return &Store{gdb: gdb, sqlDB: sqlDB}, nil
}

// Close releases the database/sql handle. The underlying pool stays open.
func (s *Store) Close() error {
	return s.sqlDB.Close()
}

// Create inserts q. A zero ID lets the database assign one.
func (s *Store) Create(ctx context.Context, q *models.Question) error {
	if err := s.gdb.WithContext(ctx).Create(q).Error; err != nil {
		return fmt.Errorf("failed to create question: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id int) (*models.Question, error) {
	var q models.Question
	err := s.gdb.WithContext(ctx).First(&q, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get question %d: %w", id, err)
	}
	return &q, nil
}

// Exists reports whether a question with id is stored
func (s *Store) Exists(ctx context.Context, id int) (bool, error) {
	var n int64
	if err := s.gdb.WithContext(ctx).Model(&models.Question{}).Where("id = ?", id).Count(&n).Error; err != nil {
		return false, fmt.Errorf("failed to check question %d: %w", id, err)
	}
	return n > 0, nil
}

// List returns questions ordered by id
func (s *Store) List(ctx context.Context, skip, limit int) ([]models.Question, error) {
	qs := []models.Question{}
	if err := s.gdb.WithContext(ctx).Order("id").Offset(skip).Limit(limit).Find(&qs).Error; err != nil {
		return nil, fmt.Errorf("failed to list questions: %w", err)
	}
	return qs, nil
}

// Search returns questions whose topic contains topic, ignoring case
func (s *Store) Search(ctx context.Context, topic string, skip, limit int) ([]models.Question, error) {
	qs := []models.Question{}
	pattern := "%" + likeEscaper.Replace(topic) + "%"
	err := s.gdb.WithContext(ctx).
		Where("topic ILIKE ?", pattern).
		Order("id").Offset(skip).Limit(limit).
		Find(&qs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to search questions: %w", err)
	}
	return qs, nil
}

// Random returns one question chosen uniformly at random
func (s *Store) Random(ctx context.Context) (*models.Question, error) {
	var q models.Question
	err := s.gdb.WithContext(ctx).Order("RANDOM()").Take(&q).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get random question: %w", err)
	}
	return &q, nil
}

// Update overwrites every field of question id with in
func (s *Store) Update(ctx context.Context, id int, in models.Question) (*models.Question, error) {
	res := s.gdb.WithContext(ctx).Model(&models.Question{}).Where("id = ?", id).Updates(map[string]any{
		"question":   in.Question,
		"answer":     in.Answer,
		"topic":      in.Topic,
		"difficulty": in.Difficulty,
	})
	if res.Error != nil {
		return nil, fmt.Errorf("failed to update question %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, ErrNotFound
	}
	in.ID = id
	return &in, nil
}

func (s *Store) Delete(ctx context.Context, id int) error {
	res := s.gdb.WithContext(ctx).Delete(&models.Question{}, id)
	if res.Error != nil {
		return fmt.Errorf("failed to delete question %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// SyncIDSequence moves the id sequence past the highest stored id, so inserts
// after a seed with explicit ids do not collide.
func (s *Store) SyncIDSequence(ctx context.Context) error {
	err := s.gdb.WithContext(ctx).Exec(
		"SELECT setval(pg_get_serial_sequence('questions', 'id'), COALESCE((SELECT MAX(id) FROM questions), 0) + 1, false)",
	).Error
	if err != nil {
		return fmt.Errorf("failed to sync question id sequence: %w", err)
	}
	return nil
}
