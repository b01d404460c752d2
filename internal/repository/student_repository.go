package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/ctxh-api/internal/models"
)

// StudentRepository reads student identities and credits service hours.
type StudentRepository struct {
	db *sqlx.DB
}

// NewStudentRepository constructs the repository.
func NewStudentRepository(db *sqlx.DB) *StudentRepository {
	return &StudentRepository{db: db}
}

func (r *StudentRepository) exec(exec sqlx.ExtContext) sqlx.ExtContext {
	if exec != nil {
		return exec
	}
	return r.db
}

// FindByID returns a student by ID.
func (r *StudentRepository) FindByID(ctx context.Context, exec sqlx.ExtContext, id string) (*models.Student, error) {
	const query = `SELECT id, full_name, mssv, faculty, academic_year, email, accumulated_hours, updated_at FROM students WHERE id = $1`
	var student models.Student
	if err := sqlx.GetContext(ctx, r.exec(exec), &student, query, id); err != nil {
		return nil, err
	}
	return &student, nil
}

// AddHours increments the accumulated service hours of a student.
func (r *StudentRepository) AddHours(ctx context.Context, exec sqlx.ExtContext, id string, delta float64) error {
	const query = `UPDATE students SET accumulated_hours = accumulated_hours + $1, updated_at = $2 WHERE id = $3`
	res, err := r.exec(exec).ExecContext(ctx, query, delta, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("add student hours: %w", err)
	}
	return ensureAffected(res)
}
