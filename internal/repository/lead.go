package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"satei-lead-relay/internal/model"
	"satei-lead-relay/internal/parser"
)

const filterDateLayout = "2006-01-02"

// LeadRepository persists extracted leads and serves dashboard queries.
type LeadRepository struct {
	db *gorm.DB
}

// Filter holds the raw search parameters. Dates are YYYY-MM-DD days in JST;
// a date that does not parse is ignored but still counts as a filter.
type Filter struct {
	ApplicationNumber string
	DateFrom          string
	DateTo            string
	Address           string
}

// Active reports whether any search condition was given. Inactive searches
// are capped.
func (f Filter) Active() bool {
	return f.ApplicationNumber != "" || f.DateFrom != "" || f.DateTo != "" || f.Address != ""
}

// Page is one page of a lead search.
type Page struct {
	Leads       []model.Lead
	TotalCount  int64
	Page        int
	TotalPages  int
	PerPage     int
	HasPrevious bool
	HasNext     bool
}

// SearchOptions bounds a search.
type SearchOptions struct {
	Page    int
	PerPage int
	// Cap limits an inactive search to the newest Cap leads.
	Cap int
}

// InsertIfAbsent stores lead keyed by its application number. A lead that
// already exists is left untouched and false is returned.
func (r *LeadRepository) InsertIfAbsent(ctx context.Context, lead *model.Lead) (bool, error) {
	created, err := insertIfAbsent(r.db.WithContext(ctx), "application_number", lead)
	if err != nil {
		return false, fmt.Errorf("failed to store lead %s: %w", lead.ApplicationNumber, err)
	}
	return created, nil
}

func (r *LeadRepository) Get(ctx context.Context, id uint) (*model.Lead, error) {
	var lead model.Lead
	if err := r.db.WithContext(ctx).First(&lead, id).Error; err != nil {
		return nil, notFound(err)
	}
	return &lead, nil
}

func (r *LeadRepository) GetByApplicationNumber(ctx context.Context, number string) (*model.Lead, error) {
	var lead model.Lead
	if err := r.db.WithContext(ctx).Where("application_number = ?", number).First(&lead).Error; err != nil {
		return nil, notFound(err)
	}
	return &lead, nil
}

func (r *LeadRepository) filtered(ctx context.Context, f Filter) *gorm.DB {
	q := r.db.WithContext(ctx).Model(&model.Lead{})

	if f.ApplicationNumber != "" {
		q = q.Where("application_number = ?", f.ApplicationNumber)
	}
	if from, err := time.ParseInLocation(filterDateLayout, f.DateFrom, parser.JST); err == nil {
		q = q.Where("application_datetime >= ?", from.UTC())
	}
	if to, err := time.ParseInLocation(filterDateLayout, f.DateTo, parser.JST); err == nil {
		// The whole end day is included.
		q = q.Where("application_datetime < ?", to.AddDate(0, 0, 1).UTC())
	}
	if f.Address != "" {
		q = q.Where("LOWER(address) LIKE ? ESCAPE '!'", "%"+escapeLike(strings.ToLower(f.Address))+"%")
	}
	return q
}

// Search returns one page of leads newest first by application datetime.
// Out-of-range pages are clamped to the nearest valid page.
func (r *LeadRepository) Search(ctx context.Context, f Filter, opts SearchOptions) (*Page, error) {
	if opts.PerPage < 1 {
		opts.PerPage = 100
	}

	var total int64
	if err := r.filtered(ctx, f).Count(&total).Error; err != nil {
		return nil, fmt.Errorf("failed to count leads: %w", err)
	}
	if !f.Active() && opts.Cap > 0 && total > int64(opts.Cap) {
		total = int64(opts.Cap)
	}

	totalPages := int((total + int64(opts.PerPage) - 1) / int64(opts.PerPage))
	if totalPages < 1 {
		totalPages = 1
	}
	page := opts.Page
	if page < 1 {
		page = 1
	}
	if page > totalPages {
		page = totalPages
	}

	offset := (page - 1) * opts.PerPage
	limit := opts.PerPage
	if remaining := int(total) - offset; remaining < limit {
		limit = remaining
	}

	leads := []model.Lead{}
	if limit > 0 {
		err := r.filtered(ctx, f).
			Order("application_datetime DESC").Order("id DESC").
			Offset(offset).Limit(limit).
			Find(&leads).Error
		if err != nil {
			return nil, fmt.Errorf("failed to fetch leads: %w", err)
		}
	}

	return &Page{
		Leads:       leads,
		TotalCount:  total,
		Page:        page,
		TotalPages:  totalPages,
		PerPage:     opts.PerPage,
		HasPrevious: page > 1,
		HasNext:     page < totalPages,
	}, nil
}

// NewSince returns every lead with an id greater than lastID, newest first by
// application datetime.
func (r *LeadRepository) NewSince(ctx context.Context, lastID uint) ([]model.Lead, error) {
	leads := []model.Lead{}
	err := r.db.WithContext(ctx).
		Where("id > ?", lastID).
		Order("application_datetime DESC").Order("id DESC").
		Find(&leads).Error
	if err != nil {
		return nil, fmt.Errorf("failed to fetch new leads: %w", err)
	}
	return leads, nil
}

// LatestID returns the highest lead id, or 0 when there are no leads.
func (r *LeadRepository) LatestID(ctx context.Context) (uint, error) {
	var id int64
	row := r.db.WithContext(ctx).Model(&model.Lead{}).Select("COALESCE(MAX(id), 0)").Row()
	if err := row.Scan(&id); err != nil {
		return 0, fmt.Errorf("failed to fetch latest lead id: %w", err)
	}
	return uint(id), nil
}

// Claim assigns the lead to actor unless someone else already owns it.
// Claiming a lead you already own is a no-op.
func (r *LeadRepository) Claim(ctx context.Context, id uint, actor string, now time.Time) (*model.Lead, error) {
	result := r.mutate(ctx).
		Where("id = ? AND (assigned_owner = '' OR assigned_owner IS NULL)", id).
		Updates(map[string]interface{}{
			"assigned_owner": actor,
			"assigned_at":    now.UTC(),
		})
	if result.Error != nil {
		return nil, fmt.Errorf("failed to claim lead %d: %w", id, result.Error)
	}

	lead, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if result.RowsAffected == 0 && lead.AssignedOwner != actor {
		return lead, ErrAlreadyClaimed
	}
	return lead, nil
}

// UpdateFollowStatus sets the follow status, and the note when note is non-nil.
func (r *LeadRepository) UpdateFollowStatus(ctx context.Context, id uint, status model.FollowStatus, note *string, actor string, now time.Time) (*model.Lead, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidFollowStatus, status)
	}

	updates := map[string]interface{}{
		"follow_status":     status,
		"status_updated_at": now.UTC(),
		"status_updated_by": actor,
	}
	if note != nil {
		updates["follow_note"] = *note
	}

	result := r.mutate(ctx).Where("id = ?", id).Updates(updates)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to update lead %d: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, ErrNotFound
	}
	return r.Get(ctx, id)
}

// mutate scopes a partial update of follow-up columns. Save hooks are skipped
// since they would normalize a zero-value model.
func (r *LeadRepository) mutate(ctx context.Context) *gorm.DB {
	return r.db.WithContext(ctx).Session(&gorm.Session{SkipHooks: true}).Model(&model.Lead{})
}

func escapeLike(s string) string {
	return strings.NewReplacer(`!`, `!!`, `%`, `!%`, `_`, `!_`).Replace(s)
}
