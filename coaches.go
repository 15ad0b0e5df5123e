package main

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/lib/pq"
)

var supportedGames = []string{
	"Valorant", "League of Legends", "CS:GO", "Dota 2",
	"Overwatch 2", "Apex Legends", "Fortnite", "Rocket League",
	"Call of Duty", "Rainbow Six Siege",
}

var coachSpecializations = map[string]bool{
	"fps-coaching":       true,
	"moba-coaching":      true,
	"strategy-coaching":  true,
	"speedrun-coaching":  true,
	"competitive-gaming": true,
	"casual-improvement": true,
	"team-coordination":  true,
	"individual-skills":  true,
}

var coachPlatforms = map[string]bool{
	"pc":              true,
	"playstation":     true,
	"xbox":            true,
	"nintendo-switch": true,
	"mobile":          true,
}

var weekdays = []string{"monday", "tuesday", "wednesday", "thursday", "friday", "saturday", "sunday"}

type MainGame struct {
	Game        string `json:"game"`
	Rank        string `json:"rank,omitempty"`
	HoursPlayed int    `json:"hoursPlayed,omitempty"`
}

type Achievement struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Date        string `json:"date,omitempty"`
	Game        string `json:"game,omitempty"`
}

type CoachGamingProfile struct {
	MainGames       []MainGame    `json:"mainGames"`
	Specializations []string      `json:"specializations"`
	Platforms       []string      `json:"platforms"`
	Achievements    []Achievement `json:"achievements"`
}

func (p CoachGamingProfile) Value() (driver.Value, error) { return jsonValue(p) }
func (p *CoachGamingProfile) Scan(src interface{}) error  { return scanJSON(src, p) }

type DaySchedule struct {
	Start     string `json:"start"`
	End       string `json:"end"`
	Available bool   `json:"available"`
}

type Availability struct {
	Timezone string                 `json:"timezone"`
	Schedule map[string]DaySchedule `json:"schedule"`
}

func (a Availability) Value() (driver.Value, error) { return jsonValue(a) }
func (a *Availability) Scan(src interface{}) error  { return scanJSON(src, a) }

type SocialLinks struct {
	Twitch  string `json:"twitch,omitempty"`
	Youtube string `json:"youtube,omitempty"`
	Discord string `json:"discord,omitempty"`
	Steam   string `json:"steam,omitempty"`
}

func (s SocialLinks) Value() (driver.Value, error) { return jsonValue(s) }
func (s *SocialLinks) Scan(src interface{}) error  { return scanJSON(src, s) }

type Rating struct {
	Average float64 `json:"average"`
	Count   int     `json:"count"`
}

func defaultAvailability() Availability {
	schedule := map[string]DaySchedule{}
	for _, day := range weekdays[:6] {
		schedule[day] = DaySchedule{Start: "09:00", End: "18:00", Available: true}
	}
	schedule["sunday"] = DaySchedule{Start: "10:00", End: "16:00", Available: false}
	return Availability{Timezone: "UTC", Schedule: schedule}
}

type CoachService struct {
	ServiceID   string `json:"serviceId"`
	Name        string `json:"name"`
	Category    string `json:"category"`
	BasePrice   Money  `json:"basePrice"`
	CustomPrice *Money `json:"customPrice,omitempty"`
	Experience  int    `json:"experience"`
	IsActive    bool   `json:"isActive"`
}

type Review struct {
	BookingID string    `json:"bookingId"`
	UserName  string    `json:"userName"`
	Score     int       `json:"score"`
	Review    string    `json:"review,omitempty"`
	RatedAt   time.Time `json:"ratedAt"`
}

type Coach struct {
	ID                string             `json:"id"`
	UserID            string             `json:"userId"`
	Name              string             `json:"name"`
	Avatar            string             `json:"avatar,omitempty"`
	Role              string             `json:"role"`
	Bio               string             `json:"bio"`
	GamingProfile     CoachGamingProfile `json:"gamingProfile"`
	Skills            []string           `json:"skills"`
	Availability      Availability       `json:"availability"`
	SocialLinks       SocialLinks        `json:"socialLinks"`
	Rating            Rating             `json:"rating"`
	CompletedSessions int                `json:"completedSessions"`
	IsVerified        bool               `json:"isVerified"`
	IsAvailable       bool               `json:"isAvailable"`
	Services          []CoachService     `json:"services"`
	CreatedAt         time.Time          `json:"createdAt"`
	UpdatedAt         time.Time          `json:"updatedAt"`

	userActive bool
}

const coachColumns = `
	c.id, c.user_id, u.name, COALESCE(u.avatar, ''), u.role, c.bio, c.gaming_profile, c.skills,
	c.availability, c.social_links, c.rating_average, c.rating_count, c.completed_sessions,
	c.is_verified, c.is_available, c.created_at, c.updated_at, u.is_active
`

func scanCoach(row rowScanner) (*Coach, error) {
	var c Coach
	if err := row.Scan(
		&c.ID, &c.UserID, &c.Name, &c.Avatar, &c.Role, &c.Bio, &c.GamingProfile, pq.Array(&c.Skills),
		&c.Availability, &c.SocialLinks, &c.Rating.Average, &c.Rating.Count, &c.CompletedSessions,
		&c.IsVerified, &c.IsAvailable, &c.CreatedAt, &c.UpdatedAt, &c.userActive,
	); err != nil {
		return nil, err
	}
	c.Skills = nonNilStrings(c.Skills)
	c.Services = []CoachService{}
	return &c, nil
}

// bookable reports whether new bookings may be placed with this provider.
func (c *Coach) bookable() bool {
	return c.IsVerified && c.IsAvailable && c.userActive
}

type coachProfileInput struct {
	Bio           *string             `json:"bio"`
	GamingProfile *CoachGamingProfile `json:"gamingProfile"`
	Skills        []string            `json:"skills"`
	Availability  *Availability       `json:"availability"`
	SocialLinks   *SocialLinks        `json:"socialLinks"`
	IsAvailable   *bool               `json:"isAvailable"`
}

func (in coachProfileInput) validate() error {
	if in.Bio != nil && utf8.RuneCountInString(*in.Bio) > 500 {
		return errValidation("Bio cannot exceed 500 characters")
	}
	if in.GamingProfile != nil {
		for _, s := range in.GamingProfile.Specializations {
			if !coachSpecializations[s] {
				return errValidation("Invalid specialization: " + s)
			}
		}
		for _, p := range in.GamingProfile.Platforms {
			if !coachPlatforms[p] {
				return errValidation("Invalid platform: " + p)
			}
		}
	}
	if in.Availability != nil {
		for day, slot := range in.Availability.Schedule {
			if !isWeekday(day) {
				return errValidation("Invalid schedule day: " + day)
			}
			if slot.Start == "" && slot.End == "" && !slot.Available {
				continue
			}
			if err := (TimeSlot{Start: slot.Start, End: slot.End}).validate(); err != nil {
				return err
			}
		}
	}
	return nil
}

func (in coachProfileInput) applyTo(c *Coach) {
	if in.Bio != nil {
		c.Bio = strings.TrimSpace(*in.Bio)
	}
	if in.GamingProfile != nil {
		c.GamingProfile = *in.GamingProfile
	}
	if in.Skills != nil {
		c.Skills = in.Skills
	}
	if in.Availability != nil {
		c.Availability = *in.Availability
		if c.Availability.Timezone == "" {
			c.Availability.Timezone = "UTC"
		}
	}
	if in.SocialLinks != nil {
		c.SocialLinks = *in.SocialLinks
	}
	if in.IsAvailable != nil {
		c.IsAvailable = *in.IsAvailable
	}
}

func isWeekday(day string) bool {
	for _, d := range weekdays {
		if d == day {
			return true
		}
	}
	return false
}

func createCoachProfileTx(ctx context.Context, tx *sql.Tx, userID string, in coachProfileInput) (string, error) {
	c := Coach{Availability: defaultAvailability(), IsAvailable: true, Skills: []string{}}
	in.applyTo(&c)

	var id string
	err := tx.QueryRowContext(ctx, `
		INSERT INTO coaches (user_id, bio, gaming_profile, skills, availability, social_links, is_available)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`, userID, c.Bio, c.GamingProfile, pq.Array(nonNilStrings(c.Skills)), c.Availability, c.SocialLinks, c.IsAvailable).Scan(&id)
	if err != nil {
		if isUniqueViolation(err) {
			return "", ErrAlreadyProvider
		}
		return "", err
	}
	return id, nil
}

func loadCoach(ctx context.Context, db queryerContext, id string) (*Coach, error) {
	c, err := scanCoach(db.QueryRowContext(ctx, `
		SELECT `+coachColumns+`
		FROM coaches c
		JOIN users u ON u.id = c.user_id
		WHERE c.id = $1
	`, id))
	if err != nil {
		return nil, notFound(err, ErrCoachNotFound)
	}
	return c, nil
}

func loadCoachByUser(ctx context.Context, db queryerContext, userID string) (*Coach, error) {
	c, err := scanCoach(db.QueryRowContext(ctx, `
		SELECT `+coachColumns+`
		FROM coaches c
		JOIN users u ON u.id = c.user_id
		WHERE c.user_id = $1
	`, userID))
	if err != nil {
		return nil, notFound(err, ErrProviderProfileNotFound)
	}
	return c, nil
}

func loadCoachServices(ctx context.Context, db queryerContext, coachID string) ([]CoachService, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT s.id, s.name, s.category, s.base_price, cs.custom_price, cs.experience_years, s.is_active
		FROM coach_services cs
		JOIN services s ON s.id = cs.service_id
		WHERE cs.coach_id = $1
		ORDER BY s.name
	`, coachID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	services := []CoachService{}
	for rows.Next() {
		var s CoachService
		var custom sql.NullInt64
		if err := rows.Scan(&s.ServiceID, &s.Name, &s.Category, &s.BasePrice, &custom, &s.Experience, &s.IsActive); err != nil {
			return nil, err
		}
		if custom.Valid {
			price := Money(custom.Int64)
			s.CustomPrice = &price
		}
		services = append(services, s)
	}
	return services, rows.Err()
}

func loadCoachReviews(ctx context.Context, db *sql.DB, coachID string, limit int) ([]Review, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT b.id, u.name, b.rating_score, COALESCE(b.rating_review, ''), b.rated_at
		FROM bookings b
		JOIN users u ON u.id = b.user_id
		WHERE b.provider_id = $1 AND b.rating_score IS NOT NULL
		ORDER BY b.rated_at DESC
		LIMIT $2
	`, coachID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	reviews := []Review{}
	for rows.Next() {
		var rv Review
		if err := rows.Scan(&rv.BookingID, &rv.UserName, &rv.Score, &rv.Review, &rv.RatedAt); err != nil {
			return nil, err
		}
		reviews = append(reviews, rv)
	}
	return reviews, rows.Err()
}

type coachFilter struct {
	Game           string
	Specialization string
	Platform       string
	ServiceID      string
	MinRating      float64
	Verified       *bool
	PublicOnly     bool
}

func parseCoachFilter(r *http.Request) coachFilter {
	query := r.URL.Query()
	f := coachFilter{
		Game:           strings.TrimSpace(query.Get("game")),
		Specialization: strings.TrimSpace(query.Get("specialization")),
		Platform:       strings.TrimSpace(query.Get("platform")),
		ServiceID:      strings.TrimSpace(query.Get("serviceId")),
	}
	if v, err := strconv.ParseFloat(strings.TrimSpace(query.Get("minRating")), 64); err == nil && v > 0 {
		f.MinRating = v
	}
	return f
}

func listCoaches(ctx context.Context, db *sql.DB, f coachFilter, p pageParams) ([]Coach, int, error) {
	var where placeholders
	if f.PublicOnly {
		where.addRaw("c.is_verified = true AND c.is_available = true AND u.is_active = true")
	}
	if f.Verified != nil {
		where.add("c.is_verified = ?", *f.Verified)
	}
	if f.Game != "" {
		where.add("EXISTS (SELECT 1 FROM jsonb_array_elements(COALESCE(c.gaming_profile->'mainGames', '[]'::jsonb)) g WHERE g->>'game' ILIKE ?)", f.Game)
	}
	if f.Specialization != "" {
		where.add("? = ANY(ARRAY(SELECT jsonb_array_elements_text(COALESCE(c.gaming_profile->'specializations', '[]'::jsonb))))", f.Specialization)
	}
	if f.Platform != "" {
		where.add("? = ANY(ARRAY(SELECT jsonb_array_elements_text(COALESCE(c.gaming_profile->'platforms', '[]'::jsonb))))", f.Platform)
	}
	if f.ServiceID != "" {
		where.add("EXISTS (SELECT 1 FROM coach_services cs WHERE cs.coach_id = c.id AND cs.service_id::text = ?)", f.ServiceID)
	}
	if f.MinRating > 0 {
		where.add("c.rating_average >= ?", f.MinRating)
	}

	var total int
	if err := db.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM coaches c
		JOIN users u ON u.id = c.user_id
		WHERE `+where.where(), where.args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	limitSQL, args := where.page(p.Limit, p.offset())
	rows, err := db.QueryContext(ctx, `
		SELECT `+coachColumns+`
		FROM coaches c
		JOIN users u ON u.id = c.user_id
		WHERE `+where.where()+`
		ORDER BY c.rating_average DESC, c.rating_count DESC, c.completed_sessions DESC, c.id
		`+limitSQL, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	coaches := []Coach{}
	for rows.Next() {
		c, err := scanCoach(rows)
		if err != nil {
			return nil, 0, err
		}
		coaches = append(coaches, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	for i := range coaches {
		services, err := loadCoachServices(ctx, db, coaches[i].ID)
		if err != nil {
			return nil, 0, err
		}
		coaches[i].Services = services
	}
	return coaches, total, nil
}

func saveCoachProfile(ctx context.Context, db *sql.DB, c *Coach) error {
	_, err := db.ExecContext(ctx, `
		UPDATE coaches
		SET bio = $2, gaming_profile = $3, skills = $4, availability = $5, social_links = $6,
			is_available = $7, updated_at = NOW()
		WHERE id = $1
	`, c.ID, c.Bio, c.GamingProfile, pq.Array(nonNilStrings(c.Skills)), c.Availability, c.SocialLinks, c.IsAvailable)
	return err
}

type coachServiceInput struct {
	ServiceID   string `json:"serviceId"`
	CustomPrice *Money `json:"customPrice"`
	Experience  int    `json:"experience"`
}

func upsertCoachService(ctx context.Context, db *sql.DB, coachID string, in coachServiceInput) error {
	if in.ServiceID == "" {
		return errValidation("serviceId is required")
	}
	if in.CustomPrice != nil && *in.CustomPrice < 0 {
		return errValidation("Price cannot be negative")
	}
	if in.Experience < 0 {
		return errValidation("Experience cannot be negative")
	}
	service, err := loadService(ctx, db, in.ServiceID)
	if err != nil {
		return err
	}
	if !service.IsActive {
		return ErrServiceInactive
	}

	var custom interface{}
	if in.CustomPrice != nil {
		custom = int64(*in.CustomPrice)
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO coach_services (coach_id, service_id, custom_price, experience_years)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (coach_id, service_id) DO UPDATE
		SET custom_price = EXCLUDED.custom_price, experience_years = EXCLUDED.experience_years
	`, coachID, service.ID, custom, in.Experience)
	return err
}

func removeCoachService(ctx context.Context, db *sql.DB, coachID string, serviceID string) error {
	res, err := db.ExecContext(ctx, `DELETE FROM coach_services WHERE coach_id = $1 AND service_id = $2`, coachID, serviceID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrServiceNotFound
	}
	return nil
}

func setCoachVerified(ctx context.Context, db *sql.DB, coachID string, verified bool) error {
	res, err := db.ExecContext(ctx, `UPDATE coaches SET is_verified = $2, updated_at = NOW() WHERE id = $1`, coachID, verified)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrCoachNotFound
	}
	return nil
}

// applyAsCoach gives a plain user an unverified provider profile and the coach role.
func applyAsCoach(ctx context.Context, db *sql.DB, user *User, in coachProfileInput) (string, error) {
	if user.isProvider() || user.Role == RoleAdmin {
		return "", ErrAlreadyProvider
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	id, err := createCoachProfileTx(ctx, tx, user.ID, in)
	if err != nil {
		return "", err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE users SET role = $2, updated_at = NOW() WHERE id = $1`, user.ID, RoleCoach); err != nil {
		return "", err
	}
	return id, tx.Commit()
}

/* ======================
   Handlers
   ====================== */

func listCoachesHandler(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p := parsePageParams(r, 12)
		f := parseCoachFilter(r)
		f.PublicOnly = true
		coaches, total, err := listCoaches(r.Context(), app.db, f, p)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeOK(w, map[string]interface{}{
			"coaches":    coaches,
			"pagination": newPagination(p, total, "totalCoaches"),
		})
	}
}

func coachGamesHandler(w http.ResponseWriter, r *http.Request) {
	writeOK(w, map[string]interface{}{"supportedGames": supportedGames})
}

func getCoachHandler(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		coach, err := loadCoach(r.Context(), app.db, pathVar(r, "id"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		viewer := accountFromContext(r.Context())
		privileged := viewer != nil && (viewer.Role == RoleAdmin || viewer.ID == coach.UserID)
		if !coach.IsVerified && !privileged {
			writeError(w, r, ErrCoachNotFound)
			return
		}
		if coach.Services, err = loadCoachServices(r.Context(), app.db, coach.ID); err != nil {
			writeError(w, r, err)
			return
		}
		reviews, err := loadCoachReviews(r.Context(), app.db, coach.ID, 5)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeOK(w, map[string]interface{}{"coach": coach, "reviews": reviews})
	}
}

func myCoachProfileHandler(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user := accountFromContext(r.Context())
		coach, err := loadCoachByUser(r.Context(), app.db, user.ID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if coach.Services, err = loadCoachServices(r.Context(), app.db, coach.ID); err != nil {
			writeError(w, r, err)
			return
		}
		writeOK(w, map[string]interface{}{"coach": coach})
	}
}

func updateMyCoachProfileHandler(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in coachProfileInput
		if err := decodeJSON(r, &in); err != nil {
			writeError(w, r, err)
			return
		}
		if err := in.validate(); err != nil {
			writeError(w, r, err)
			return
		}
		user := accountFromContext(r.Context())
		coach, err := loadCoachByUser(r.Context(), app.db, user.ID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		in.applyTo(coach)
		if err := saveCoachProfile(r.Context(), app.db, coach); err != nil {
			writeError(w, r, err)
			return
		}
		app.cache.Invalidate(r.Context())
		writeData(w, http.StatusOK, "Profile updated successfully", map[string]interface{}{"coach": coach})
	}
}

func applyCoachHandler(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in coachProfileInput
		if err := decodeJSON(r, &in); err != nil {
			writeError(w, r, err)
			return
		}
		if err := in.validate(); err != nil {
			writeError(w, r, err)
			return
		}
		user := accountFromContext(r.Context())
		id, err := applyAsCoach(r.Context(), app.db, user, in)
		if err != nil {
			writeError(w, r, err)
			return
		}
		app.notifier.notifyRole(r.Context(), RoleAdmin, NotificationInput{
			Category: NotificationCategoryAdmin,
			Type:     "coach_application",
			Message:  user.Name + " applied to become a coach",
			Link:     "/admin/coaches",
			Payload:  map[string]interface{}{"coachId": id, "userId": user.ID},
		})
		coach, err := loadCoach(r.Context(), app.db, id)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeData(w, http.StatusCreated, "Coach application submitted. Your profile will be reviewed by an admin.", map[string]interface{}{"coach": coach})
	}
}

func upsertCoachServiceHandler(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in coachServiceInput
		if err := decodeJSON(r, &in); err != nil {
			writeError(w, r, err)
			return
		}
		user := accountFromContext(r.Context())
		coach, err := loadCoachByUser(r.Context(), app.db, user.ID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if err := upsertCoachService(r.Context(), app.db, coach.ID, in); err != nil {
			writeError(w, r, err)
			return
		}
		services, err := loadCoachServices(r.Context(), app.db, coach.ID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		app.cache.Invalidate(r.Context())
		writeData(w, http.StatusOK, "Service offering saved", map[string]interface{}{"services": services})
	}
}

func deleteCoachServiceHandler(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user := accountFromContext(r.Context())
		coach, err := loadCoachByUser(r.Context(), app.db, user.ID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if err := removeCoachService(r.Context(), app.db, coach.ID, pathVar(r, "serviceId")); err != nil {
			writeError(w, r, err)
			return
		}
		app.cache.Invalidate(r.Context())
		writeJSON(w, http.StatusOK, APIResponse{Success: true, Message: "Service offering removed"})
	}
}
