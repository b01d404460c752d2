package models

import "time"

// Student is the identity consumed from the student directory.
type Student struct {
	ID               string    `db:"id" json:"id"`
	FullName         string    `db:"full_name" json:"full_name"`
	MSSV             string    `db:"mssv" json:"mssv"`
	Faculty          string    `db:"faculty" json:"faculty"`
	AcademicYear     string    `db:"academic_year" json:"academic_year"`
	Email            string    `db:"email" json:"email"`
	AccumulatedHours float64   `db:"accumulated_hours" json:"accumulated_hours"`
	UpdatedAt        time.Time `db:"updated_at" json:"updated_at"`
}

// Organization owns activities.
type Organization struct {
	ID                    string `db:"id" json:"id"`
	Name                  string `db:"name" json:"name"`
	Address               string `db:"address" json:"address"`
	RepresentativeContact string `db:"representative_contact" json:"representative_contact"`
	Email                 string `db:"email" json:"email"`
}
