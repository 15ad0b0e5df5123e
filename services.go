package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/lib/pq"
)

const (
	CategoryPCBuilding         = "pc-building"
	CategoryGamingCoaching     = "gaming-coaching"
	CategoryConsoleRepair      = "console-repair"
	CategoryPCOptimization     = "pc-optimization"
	CategoryGamingSetup        = "gaming-setup"
	CategoryEsportsTraining    = "esports-training"
	CategoryTournament         = "tournament-organization"
	CategoryStreamingSetup     = "streaming-setup"
	CategoryHardwareUpgrade    = "hardware-upgrade"
	CategoryGamingConsultation = "gaming-consultation"
)

var serviceCategories = map[string]bool{
	CategoryPCBuilding:         true,
	CategoryGamingCoaching:     true,
	CategoryConsoleRepair:      true,
	CategoryPCOptimization:     true,
	CategoryGamingSetup:        true,
	CategoryEsportsTraining:    true,
	CategoryTournament:         true,
	CategoryStreamingSetup:     true,
	CategoryHardwareUpgrade:    true,
	CategoryGamingConsultation: true,
}

var skillLevels = map[string]bool{
	"":             true,
	"beginner":     true,
	"intermediate": true,
	"advanced":     true,
	"professional": true,
}

type ServiceCategory struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Description  string   `json:"description"`
	Icon         string   `json:"icon"`
	Services     []string `json:"services"`
	ServiceCount int      `json:"serviceCount"`
}

var showcasedCategories = []ServiceCategory{
	{ID: CategoryGamingCoaching, Name: "Gaming Coaching", Description: "Professional esports coaching and skill improvement", Icon: "🎮",
		Services: []string{"1v1 Coaching", "Team Training", "Rank Boosting", "Strategy Sessions"}},
	{ID: CategoryPCBuilding, Name: "PC Building", Description: "Custom gaming PC builds and hardware setup", Icon: "🖥️",
		Services: []string{"Custom Builds", "Hardware Installation", "Cable Management", "Performance Testing"}},
	{ID: CategoryConsoleRepair, Name: "Console Repair", Description: "Professional console and gaming hardware repair", Icon: "🔧",
		Services: []string{"PlayStation Repair", "Xbox Repair", "Controller Fix", "Hardware Diagnosis"}},
	{ID: CategoryStreamingSetup, Name: "Streaming Setup", Description: "Complete streaming and content creation setup", Icon: "📹",
		Services: []string{"OBS Configuration", "Audio Setup", "Lighting Setup", "Overlay Design"}},
	{ID: CategoryPCOptimization, Name: "Gaming Optimization", Description: "Performance tuning and game optimization", Icon: "⚡",
		Services: []string{"FPS Optimization", "Driver Updates", "System Cleanup", "Overclocking"}},
	{ID: CategoryTournament, Name: "Tournament Organization", Description: "Local gaming tournaments and esports events", Icon: "🏆",
		Services: []string{"Event Planning", "Bracket Management", "Prize Distribution", "Live Streaming"}},
}

type GameSpecific struct {
	SupportedGames []string `json:"supportedGames"`
	SkillLevel     string   `json:"skillLevel,omitempty"`
}

type Service struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	Description  string       `json:"description"`
	Category     string       `json:"category"`
	BasePrice    Money        `json:"basePrice"`
	Duration     int          `json:"duration"`
	Image        string       `json:"image"`
	IsActive     bool         `json:"isActive"`
	Tags         []string     `json:"tags"`
	Requirements []string     `json:"requirements"`
	GameSpecific GameSpecific `json:"gameSpecific"`
	CreatedAt    time.Time    `json:"createdAt"`
	UpdatedAt    time.Time    `json:"updatedAt"`
}

// ProviderSummary is a provider as shown next to a service it offers.
type ProviderSummary struct {
	ID                string `json:"id"`
	Name              string `json:"name"`
	Avatar            string `json:"avatar,omitempty"`
	Bio               string `json:"bio,omitempty"`
	Rating            Rating `json:"rating"`
	CompletedSessions int    `json:"completedSessions"`
	CustomPrice       *Money `json:"customPrice,omitempty"`
	Experience        int    `json:"experience"`
	IsVerified        bool   `json:"isVerified"`
	ServiceID         string `json:"-"`
}

type ServiceListing struct {
	Service
	AvailableProviders int               `json:"availableProviders"`
	Providers          []ProviderSummary `json:"providers"`
}

const serviceColumns = `
	s.id, s.name, s.description, s.category, s.base_price, s.duration_minutes, COALESCE(s.image, ''),
	s.is_active, s.tags, s.requirements, s.supported_games, s.skill_level, s.created_at, s.updated_at
`

func scanService(row rowScanner) (*Service, error) {
	var s Service
	if err := row.Scan(
		&s.ID, &s.Name, &s.Description, &s.Category, &s.BasePrice, &s.Duration, &s.Image,
		&s.IsActive, pq.Array(&s.Tags), pq.Array(&s.Requirements), pq.Array(&s.GameSpecific.SupportedGames),
		&s.GameSpecific.SkillLevel, &s.CreatedAt, &s.UpdatedAt,
	); err != nil {
		return nil, err
	}
	s.Tags = nonNilStrings(s.Tags)
	s.Requirements = nonNilStrings(s.Requirements)
	s.GameSpecific.SupportedGames = nonNilStrings(s.GameSpecific.SupportedGames)
	return &s, nil
}

func nonNilStrings(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}

type serviceFilter struct {
	Category        string
	MinPrice        *Money
	MaxPrice        *Money
	Search          string
	IncludeInactive bool
}

func parseServiceFilter(r *http.Request) serviceFilter {
	query := r.URL.Query()
	f := serviceFilter{
		Category: strings.TrimSpace(query.Get("category")),
		Search:   strings.TrimSpace(query.Get("search")),
	}
	if v, ok := parseMoneyParam(query.Get("minPrice")); ok {
		f.MinPrice = &v
	}
	if v, ok := parseMoneyParam(query.Get("maxPrice")); ok {
		f.MaxPrice = &v
	}
	return f
}

var serviceSortColumns = map[string]string{
	"createdAt": "s.created_at",
	"basePrice": "s.base_price",
	"name":      "s.name",
	"duration":  "s.duration_minutes",
}

func listServices(ctx context.Context, db *sql.DB, f serviceFilter, p pageParams, order string) ([]Service, int, error) {
	var where placeholders
	if !f.IncludeInactive {
		where.addRaw("s.is_active = true")
	}
	if f.Category != "" {
		where.add("s.category = ?", f.Category)
	}
	if f.MinPrice != nil {
		where.add("s.base_price >= ?", *f.MinPrice)
	}
	if f.MaxPrice != nil {
		where.add("s.base_price <= ?", *f.MaxPrice)
	}
	if f.Search != "" {
		where.add("(s.name ILIKE ? OR s.description ILIKE ? OR EXISTS (SELECT 1 FROM unnest(s.tags) t WHERE t ILIKE ?))", "%"+f.Search+"%")
	}

	var total int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM services s WHERE `+where.where(), where.args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	limitSQL, args := where.page(p.Limit, p.offset())
	rows, err := db.QueryContext(ctx, `
		SELECT `+serviceColumns+`
		FROM services s
		WHERE `+where.where()+`
		ORDER BY `+order+`, s.id
		`+limitSQL, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	services := []Service{}
	for rows.Next() {
		s, err := scanService(rows)
		if err != nil {
			return nil, 0, err
		}
		services = append(services, *s)
	}
	return services, total, rows.Err()
}

func loadService(ctx context.Context, db queryerContext, id string) (*Service, error) {
	s, err := scanService(db.QueryRowContext(ctx, `SELECT `+serviceColumns+` FROM services s WHERE s.id = $1`, id))
	if err != nil {
		return nil, notFound(err, ErrServiceNotFound)
	}
	return s, nil
}

// serviceProviders returns the verified, available providers offering each
// of the given services, best rated first.
func serviceProviders(ctx context.Context, db *sql.DB, serviceIDs []string) (map[string][]ProviderSummary, error) {
	result := map[string][]ProviderSummary{}
	if len(serviceIDs) == 0 {
		return result, nil
	}
	rows, err := db.QueryContext(ctx, `
		SELECT cs.service_id, c.id, u.name, COALESCE(u.avatar, ''), c.bio, c.rating_average, c.rating_count,
			c.completed_sessions, cs.custom_price, cs.experience_years, c.is_verified
		FROM coach_services cs
		JOIN coaches c ON c.id = cs.coach_id
		JOIN users u ON u.id = c.user_id
		WHERE cs.service_id = ANY($1::uuid[])
			AND c.is_verified = true
			AND c.is_available = true
			AND u.is_active = true
		ORDER BY c.rating_average DESC, c.completed_sessions DESC, c.id
	`, pq.Array(serviceIDs))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var p ProviderSummary
		var custom sql.NullInt64
		if err := rows.Scan(&p.ServiceID, &p.ID, &p.Name, &p.Avatar, &p.Bio, &p.Rating.Average, &p.Rating.Count,
			&p.CompletedSessions, &custom, &p.Experience, &p.IsVerified); err != nil {
			return nil, err
		}
		if custom.Valid {
			price := Money(custom.Int64)
			p.CustomPrice = &price
		}
		result[p.ServiceID] = append(result[p.ServiceID], p)
	}
	return result, rows.Err()
}

func serviceListings(ctx context.Context, db *sql.DB, services []Service) ([]ServiceListing, error) {
	ids := make([]string, 0, len(services))
	for _, s := range services {
		ids = append(ids, s.ID)
	}
	providers, err := serviceProviders(ctx, db, ids)
	if err != nil {
		return nil, err
	}
	listings := make([]ServiceListing, 0, len(services))
	for _, s := range services {
		all := providers[s.ID]
		top := all
		if len(top) > 3 {
			top = top[:3]
		}
		listings = append(listings, ServiceListing{
			Service:            s,
			AvailableProviders: len(all),
			Providers:          append([]ProviderSummary{}, top...),
		})
	}
	return listings, nil
}

func categoryCounts(ctx context.Context, db *sql.DB) ([]ServiceCategory, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT category, COUNT(*)
		FROM services
		WHERE is_active = true
		GROUP BY category
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := map[string]int{}
	for rows.Next() {
		var category string
		var count int
		if err := rows.Scan(&category, &count); err != nil {
			return nil, err
		}
		counts[category] = count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	categories := make([]ServiceCategory, 0, len(showcasedCategories))
	for _, c := range showcasedCategories {
		c.ServiceCount = counts[c.ID]
		categories = append(categories, c)
	}
	return categories, nil
}

type serviceInput struct {
	Name         *string       `json:"name"`
	Description  *string       `json:"description"`
	Category     *string       `json:"category"`
	BasePrice    *Money        `json:"basePrice"`
	Duration     *int          `json:"duration"`
	Image        *string       `json:"image"`
	IsActive     *bool         `json:"isActive"`
	Tags         []string      `json:"tags"`
	Requirements []string      `json:"requirements"`
	GameSpecific *GameSpecific `json:"gameSpecific"`
}

func (in serviceInput) applyTo(s *Service) {
	if in.Name != nil {
		s.Name = strings.TrimSpace(*in.Name)
	}
	if in.Description != nil {
		s.Description = strings.TrimSpace(*in.Description)
	}
	if in.Category != nil {
		s.Category = strings.TrimSpace(*in.Category)
	}
	if in.BasePrice != nil {
		s.BasePrice = *in.BasePrice
	}
	if in.Duration != nil {
		s.Duration = *in.Duration
	}
	if in.Image != nil {
		s.Image = strings.TrimSpace(*in.Image)
	}
	if in.IsActive != nil {
		s.IsActive = *in.IsActive
	}
	if in.Tags != nil {
		s.Tags = in.Tags
	}
	if in.Requirements != nil {
		s.Requirements = in.Requirements
	}
	if in.GameSpecific != nil {
		s.GameSpecific = *in.GameSpecific
		s.GameSpecific.SupportedGames = nonNilStrings(s.GameSpecific.SupportedGames)
	}
}

func (in serviceInput) validateCreate() error {
	if in.Name == nil || strings.TrimSpace(*in.Name) == "" ||
		in.Description == nil || strings.TrimSpace(*in.Description) == "" ||
		in.Category == nil || in.BasePrice == nil || in.Duration == nil {
		return errValidation("Please provide all required fields")
	}
	return nil
}

func validateService(s *Service) error {
	if s.Name == "" || s.Description == "" {
		return errValidation("Service name and description are required")
	}
	if !serviceCategories[s.Category] {
		return errValidation("Invalid service category")
	}
	if s.BasePrice < 0 {
		return errValidation("Price cannot be negative")
	}
	if s.Duration < 15 {
		return errValidation("Minimum duration is 15 minutes")
	}
	if !skillLevels[s.GameSpecific.SkillLevel] {
		return errValidation("Invalid skill level")
	}
	return nil
}

func insertService(ctx context.Context, db queryerContext, s *Service) (*Service, error) {
	return scanService(db.QueryRowContext(ctx, `
		INSERT INTO services AS s (name, description, category, base_price, duration_minutes, image, is_active,
			tags, requirements, supported_games, skill_level)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING `+serviceColumns,
		s.Name, s.Description, s.Category, s.BasePrice, s.Duration, nullableString(s.Image), s.IsActive,
		pq.Array(nonNilStrings(s.Tags)), pq.Array(nonNilStrings(s.Requirements)),
		pq.Array(nonNilStrings(s.GameSpecific.SupportedGames)), s.GameSpecific.SkillLevel))
}

func saveService(ctx context.Context, db *sql.DB, s *Service) (*Service, error) {
	updated, err := scanService(db.QueryRowContext(ctx, `
		UPDATE services AS s
		SET name = $2, description = $3, category = $4, base_price = $5, duration_minutes = $6, image = $7,
			is_active = $8, tags = $9, requirements = $10, supported_games = $11, skill_level = $12, updated_at = NOW()
		WHERE s.id = $1
		RETURNING `+serviceColumns,
		s.ID, s.Name, s.Description, s.Category, s.BasePrice, s.Duration, nullableString(s.Image), s.IsActive,
		pq.Array(nonNilStrings(s.Tags)), pq.Array(nonNilStrings(s.Requirements)),
		pq.Array(nonNilStrings(s.GameSpecific.SupportedGames)), s.GameSpecific.SkillLevel))
	if err != nil {
		return nil, notFound(err, ErrServiceNotFound)
	}
	return updated, nil
}

func deactivateService(ctx context.Context, db *sql.DB, id string) error {
	res, err := db.ExecContext(ctx, `UPDATE services SET is_active = false, updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrServiceNotFound
	}
	return nil
}

/* ======================
   Handlers
   ====================== */

// serveCached writes a cached payload or builds, caches and writes a fresh one.
func serveCached(app *App, w http.ResponseWriter, r *http.Request, key string, build func() (interface{}, error)) {
	var cached json.RawMessage
	if app.cache.Get(r.Context(), key, &cached) {
		writeOK(w, cached)
		return
	}
	data, err := build()
	if err != nil {
		writeError(w, r, err)
		return
	}
	raw, err := json.Marshal(data)
	if err != nil {
		writeError(w, r, err)
		return
	}
	app.cache.Set(r.Context(), key, json.RawMessage(raw))
	writeOK(w, json.RawMessage(raw))
}

func listServicesHandler(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		serveCached(app, w, r, catalogKey("services", r.URL.Query()), func() (interface{}, error) {
			p := parsePageParams(r, 12)
			order := orderBy(r, serviceSortColumns, "createdAt", true)
			services, total, err := listServices(r.Context(), app.db, parseServiceFilter(r), p, order)
			if err != nil {
				return nil, err
			}
			listings, err := serviceListings(r.Context(), app.db, services)
			if err != nil {
				return nil, err
			}
			return map[string]interface{}{
				"services":   listings,
				"pagination": newPagination(p, total, "totalServices"),
			}, nil
		})
	}
}

func serviceCategoriesHandler(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		serveCached(app, w, r, "categories", func() (interface{}, error) {
			categories, err := categoryCounts(r.Context(), app.db)
			if err != nil {
				return nil, err
			}
			return map[string]interface{}{"categories": categories}, nil
		})
	}
}

func getServiceHandler(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := pathVar(r, "id")
		serveCached(app, w, r, "service:"+id, func() (interface{}, error) {
			service, err := loadService(r.Context(), app.db, id)
			if err != nil {
				return nil, err
			}
			if !service.IsActive {
				return nil, ErrServiceInactive
			}
			providers, err := serviceProviders(r.Context(), app.db, []string{service.ID})
			if err != nil {
				return nil, err
			}
			return map[string]interface{}{
				"service":   service,
				"providers": append([]ProviderSummary{}, providers[service.ID]...),
			}, nil
		})
	}
}

func createServiceHandler(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in serviceInput
		if err := decodeJSON(r, &in); err != nil {
			writeError(w, r, err)
			return
		}
		if err := in.validateCreate(); err != nil {
			writeError(w, r, err)
			return
		}
		service := &Service{IsActive: true}
		in.applyTo(service)
		if err := validateService(service); err != nil {
			writeError(w, r, err)
			return
		}
		created, err := insertService(r.Context(), app.db, service)
		if err != nil {
			writeError(w, r, err)
			return
		}
		app.cache.Invalidate(r.Context())
		writeData(w, http.StatusCreated, "Service created successfully", map[string]interface{}{"service": created})
	}
}

func updateServiceHandler(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in serviceInput
		if err := decodeJSON(r, &in); err != nil {
			writeError(w, r, err)
			return
		}
		service, err := loadService(r.Context(), app.db, pathVar(r, "id"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		in.applyTo(service)
		if err := validateService(service); err != nil {
			writeError(w, r, err)
			return
		}
		updated, err := saveService(r.Context(), app.db, service)
		if err != nil {
			writeError(w, r, err)
			return
		}
		app.cache.Invalidate(r.Context())
		writeData(w, http.StatusOK, "Service updated successfully", map[string]interface{}{"service": updated})
	}
}

func deleteServiceHandler(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deactivateService(r.Context(), app.db, pathVar(r, "id")); err != nil {
			writeError(w, r, err)
			return
		}
		app.cache.Invalidate(r.Context())
		writeJSON(w, http.StatusOK, APIResponse{Success: true, Message: "Service deleted successfully"})
	}
}
