package domain

import "time"

// WizardSession is the persisted wizard state for one browser session.
// Staged (unconfirmed) files are deliberately absent: they never outlive
// the step that owns them.
type WizardSession struct {
	SessionKey string
	Step       int
	DraftJSON  string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}
