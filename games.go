package main

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"net/http"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/sirupsen/logrus"
)

var gameGenres = []string{
	"action", "adventure", "rpg", "strategy", "simulation",
	"sports", "racing", "puzzle", "horror", "mmo",
	"fps", "moba", "battle-royale", "indie",
}

var gamePlatforms = map[string]bool{
	"pc": true, "playstation": true, "xbox": true, "nintendo": true, "mobile": true, "vr": true,
}

var ageRatings = map[string]bool{
	"": true, "E": true, "E10+": true, "T": true, "M": true, "AO": true, "RP": true,
}

type HardwareSpec struct {
	OS        string `json:"os,omitempty"`
	Processor string `json:"processor,omitempty"`
	Memory    string `json:"memory,omitempty"`
	Graphics  string `json:"graphics,omitempty"`
	Storage   string `json:"storage,omitempty"`
}

type SystemRequirements struct {
	Minimum     HardwareSpec `json:"minimum"`
	Recommended HardwareSpec `json:"recommended"`
}

func (s SystemRequirements) Value() (driver.Value, error) { return jsonValue(s) }
func (s *SystemRequirements) Scan(src interface{}) error  { return scanJSON(src, s) }

type Game struct {
	ID                 string             `json:"id"`
	Title              string             `json:"title"`
	Description        string             `json:"description"`
	Genre              string             `json:"genre"`
	Platforms          []string           `json:"platform"`
	Price              Money              `json:"price"`
	DiscountPrice      *Money             `json:"discountPrice,omitempty"`
	Images             []string           `json:"images"`
	Trailer            string             `json:"trailer,omitempty"`
	SystemRequirements SystemRequirements `json:"systemRequirements"`
	Rating             float64            `json:"rating"`
	Tags               []string           `json:"tags"`
	ReleaseDate        *time.Time         `json:"releaseDate,omitempty"`
	Developer          string             `json:"developer"`
	Publisher          string             `json:"publisher"`
	AgeRating          string             `json:"ageRating,omitempty"`
	DownloadSize       string             `json:"downloadSize,omitempty"`
	IsActive           bool               `json:"isActive"`
	IsFeatured         bool               `json:"isFeatured"`
	SalesCount         int                `json:"salesCount"`
	CreatedAt          time.Time          `json:"createdAt"`
	UpdatedAt          time.Time          `json:"updatedAt"`
}

// effectivePrice is what a purchase charges.
func (g *Game) effectivePrice() Money {
	if g.DiscountPrice != nil && *g.DiscountPrice < g.Price {
		return *g.DiscountPrice
	}
	return g.Price
}

const gameColumns = `
	g.id, g.title, g.description, g.genre, g.platforms, g.price, g.discount_price, g.images,
	COALESCE(g.trailer, ''), g.system_requirements, g.rating, g.tags, g.release_date, g.developer,
	g.publisher, g.age_rating, g.download_size, g.is_active, g.is_featured, g.sales_count,
	g.created_at, g.updated_at
`

func scanGame(row rowScanner) (*Game, error) {
	var g Game
	var discount sql.NullInt64
	var release sql.NullTime
	if err := row.Scan(
		&g.ID, &g.Title, &g.Description, &g.Genre, pq.Array(&g.Platforms), &g.Price, &discount, pq.Array(&g.Images),
		&g.Trailer, &g.SystemRequirements, &g.Rating, pq.Array(&g.Tags), &release, &g.Developer,
		&g.Publisher, &g.AgeRating, &g.DownloadSize, &g.IsActive, &g.IsFeatured, &g.SalesCount,
		&g.CreatedAt, &g.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if discount.Valid {
		price := Money(discount.Int64)
		g.DiscountPrice = &price
	}
	g.ReleaseDate = timePtr(release)
	g.Platforms = nonNilStrings(g.Platforms)
	g.Images = nonNilStrings(g.Images)
	g.Tags = nonNilStrings(g.Tags)
	return &g, nil
}

func scanGames(rows *sql.Rows) ([]Game, error) {
	defer rows.Close()
	games := []Game{}
	for rows.Next() {
		g, err := scanGame(rows)
		if err != nil {
			return nil, err
		}
		games = append(games, *g)
	}
	return games, rows.Err()
}

type gameFilter struct {
	Genre    string
	Platform string
	Search   string
	MinPrice *Money
	MaxPrice *Money
}

func parseGameFilter(r *http.Request) gameFilter {
	query := r.URL.Query()
	f := gameFilter{
		Genre:    strings.ToLower(strings.TrimSpace(query.Get("genre"))),
		Platform: strings.ToLower(strings.TrimSpace(query.Get("platform"))),
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

var gameSortColumns = map[string]string{
	"createdAt":   "g.created_at",
	"price":       "COALESCE(g.discount_price, g.price)",
	"rating":      "g.rating",
	"title":       "g.title",
	"salesCount":  "g.sales_count",
	"releaseDate": "g.release_date",
}

func listGames(ctx context.Context, db *sql.DB, f gameFilter, p pageParams, order string) ([]Game, int, error) {
	var where placeholders
	where.addRaw("g.is_active = true")
	if f.Genre != "" {
		where.add("g.genre = ?", f.Genre)
	}
	if f.Platform != "" {
		where.add("? = ANY(g.platforms)", f.Platform)
	}
	if f.MinPrice != nil {
		where.add("COALESCE(g.discount_price, g.price) >= ?", *f.MinPrice)
	}
	if f.MaxPrice != nil {
		where.add("COALESCE(g.discount_price, g.price) <= ?", *f.MaxPrice)
	}
	if f.Search != "" {
		where.add("(g.title ILIKE ? OR g.description ILIKE ? OR EXISTS (SELECT 1 FROM unnest(g.tags) t WHERE t ILIKE ?))", "%"+f.Search+"%")
	}

	var total int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM games g WHERE `+where.where(), where.args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	limitSQL, args := where.page(p.Limit, p.offset())
	rows, err := db.QueryContext(ctx, `
		SELECT `+gameColumns+`
		FROM games g
		WHERE `+where.where()+`
		ORDER BY `+order+`, g.id
		`+limitSQL, args...)
	if err != nil {
		return nil, 0, err
	}
	games, err := scanGames(rows)
	return games, total, err
}

func loadGame(ctx context.Context, db queryerContext, id string) (*Game, error) {
	g, err := scanGame(db.QueryRowContext(ctx, `SELECT `+gameColumns+` FROM games g WHERE g.id = $1`, id))
	if err != nil {
		return nil, notFound(err, ErrGameNotFound)
	}
	return g, nil
}

type gameInput struct {
	Title              *string             `json:"title"`
	Description        *string             `json:"description"`
	Genre              *string             `json:"genre"`
	Platforms          []string            `json:"platform"`
	Price              *Money              `json:"price"`
	DiscountPrice      *Money              `json:"discountPrice"`
	ClearDiscount      bool                `json:"clearDiscount"`
	Images             []string            `json:"images"`
	Trailer            *string             `json:"trailer"`
	SystemRequirements *SystemRequirements `json:"systemRequirements"`
	Tags               []string            `json:"tags"`
	ReleaseDate        *string             `json:"releaseDate"`
	Developer          *string             `json:"developer"`
	Publisher          *string             `json:"publisher"`
	AgeRating          *string             `json:"ageRating"`
	DownloadSize       *string             `json:"downloadSize"`
	IsActive           *bool               `json:"isActive"`
	IsFeatured         *bool               `json:"isFeatured"`
}

func (in gameInput) validateCreate() error {
	if in.Title == nil || in.Description == nil || in.Genre == nil || in.Price == nil ||
		in.Developer == nil || in.Publisher == nil {
		return errValidation("Please provide title, description, genre, price, developer and publisher")
	}
	return nil
}

func (in gameInput) applyTo(g *Game) error {
	if in.Title != nil {
		g.Title = strings.TrimSpace(*in.Title)
	}
	if in.Description != nil {
		g.Description = strings.TrimSpace(*in.Description)
	}
	if in.Genre != nil {
		g.Genre = strings.ToLower(strings.TrimSpace(*in.Genre))
	}
	if in.Platforms != nil {
		g.Platforms = in.Platforms
	}
	if in.Price != nil {
		g.Price = *in.Price
	}
	if in.DiscountPrice != nil {
		g.DiscountPrice = in.DiscountPrice
	}
	if in.ClearDiscount {
		g.DiscountPrice = nil
	}
	if in.Images != nil {
		g.Images = in.Images
	}
	if in.Trailer != nil {
		g.Trailer = strings.TrimSpace(*in.Trailer)
	}
	if in.SystemRequirements != nil {
		g.SystemRequirements = *in.SystemRequirements
	}
	if in.Tags != nil {
		g.Tags = in.Tags
	}
	if in.ReleaseDate != nil {
		if strings.TrimSpace(*in.ReleaseDate) == "" {
			g.ReleaseDate = nil
		} else {
			date, err := parseScheduledDate(*in.ReleaseDate)
			if err != nil {
				return errValidation("releaseDate must be YYYY-MM-DD")
			}
			g.ReleaseDate = &date
		}
	}
	if in.Developer != nil {
		g.Developer = strings.TrimSpace(*in.Developer)
	}
	if in.Publisher != nil {
		g.Publisher = strings.TrimSpace(*in.Publisher)
	}
	if in.AgeRating != nil {
		g.AgeRating = strings.TrimSpace(*in.AgeRating)
	}
	if in.DownloadSize != nil {
		g.DownloadSize = strings.TrimSpace(*in.DownloadSize)
	}
	if in.IsActive != nil {
		g.IsActive = *in.IsActive
	}
	if in.IsFeatured != nil {
		g.IsFeatured = *in.IsFeatured
	}
	return nil
}

func validateGame(g *Game) error {
	if g.Title == "" || g.Description == "" {
		return errValidation("Game title and description are required")
	}
	if g.Developer == "" || g.Publisher == "" {
		return errValidation("Developer and publisher are required")
	}
	validGenre := false
	for _, genre := range gameGenres {
		if genre == g.Genre {
			validGenre = true
			break
		}
	}
	if !validGenre {
		return errValidation("Invalid game genre")
	}
	for _, platform := range g.Platforms {
		if !gamePlatforms[platform] {
			return errValidation("Invalid platform: " + platform)
		}
	}
	if g.Price < 0 || (g.DiscountPrice != nil && *g.DiscountPrice < 0) {
		return errValidation("Price cannot be negative")
	}
	if g.DiscountPrice != nil && *g.DiscountPrice > g.Price {
		return errValidation("Discount price cannot exceed price")
	}
	if !ageRatings[g.AgeRating] {
		return errValidation("Invalid age rating")
	}
	return nil
}

func saveGame(ctx context.Context, db *sql.DB, g *Game) (*Game, error) {
	var discount interface{}
	if g.DiscountPrice != nil {
		discount = *g.DiscountPrice
	}
	var release interface{}
	if g.ReleaseDate != nil {
		release = *g.ReleaseDate
	}
	args := []interface{}{
		g.Title, g.Description, g.Genre, pq.Array(nonNilStrings(g.Platforms)), g.Price, discount,
		pq.Array(nonNilStrings(g.Images)), nullableString(g.Trailer), g.SystemRequirements,
		pq.Array(nonNilStrings(g.Tags)), release, g.Developer, g.Publisher, g.AgeRating, g.DownloadSize,
		g.IsActive, g.IsFeatured,
	}
	if g.ID == "" {
		return scanGame(db.QueryRowContext(ctx, `
			INSERT INTO games AS g (title, description, genre, platforms, price, discount_price, images, trailer,
				system_requirements, tags, release_date, developer, publisher, age_rating, download_size,
				is_active, is_featured)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
			RETURNING `+gameColumns, args...))
	}
	updated, err := scanGame(db.QueryRowContext(ctx, `
		UPDATE games AS g
		SET title = $1, description = $2, genre = $3, platforms = $4, price = $5, discount_price = $6,
			images = $7, trailer = $8, system_requirements = $9, tags = $10, release_date = $11,
			developer = $12, publisher = $13, age_rating = $14, download_size = $15, is_active = $16,
			is_featured = $17, updated_at = NOW()
		WHERE g.id = $18
		RETURNING `+gameColumns, append(args, g.ID)...))
	if err != nil {
		return nil, notFound(err, ErrGameNotFound)
	}
	return updated, nil
}

type GamePurchase struct {
	ID          string    `json:"id"`
	Game        Game      `json:"game"`
	Price       Money     `json:"price"`
	PurchasedAt time.Time `json:"purchasedAt"`
}

// purchaseGame debits the buyer's wallet and records ownership atomically.
func purchaseGame(ctx context.Context, db *sql.DB, user *User, gameID string) (*GamePurchase, Money, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, 0, err
	}
	defer tx.Rollback()

	game, err := loadGame(ctx, tx, gameID)
	if err != nil {
		return nil, 0, err
	}
	if !game.IsActive {
		return nil, 0, ErrGameNotFound
	}

	var owned bool
	if err := tx.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM game_purchases WHERE user_id = $1 AND game_id = $2)
	`, user.ID, game.ID).Scan(&owned); err != nil {
		return nil, 0, err
	}
	if owned {
		return nil, 0, ErrGameOwned
	}

	price := game.effectivePrice()
	balance := Money(0)
	if price > 0 {
		balance, err = applyWalletTx(ctx, tx, user.ID, WalletDebit, price, "Purchase: "+game.Title, game.ID)
		if err != nil {
			return nil, 0, err
		}
	}

	purchase := GamePurchase{Game: *game, Price: price}
	if err := tx.QueryRowContext(ctx, `
		INSERT INTO game_purchases (user_id, game_id, price)
		VALUES ($1, $2, $3)
		RETURNING id, created_at
	`, user.ID, game.ID, price).Scan(&purchase.ID, &purchase.PurchasedAt); err != nil {
		if isUniqueViolation(err) {
			return nil, 0, ErrGameOwned
		}
		return nil, 0, err
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE games SET sales_count = sales_count + 1, updated_at = NOW() WHERE id = $1
	`, game.ID); err != nil {
		return nil, 0, err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM wishlists WHERE user_id = $1 AND game_id = $2`, user.ID, game.ID); err != nil {
		return nil, 0, err
	}
	if err := tx.Commit(); err != nil {
		return nil, 0, err
	}
	purchase.Game.SalesCount++
	return &purchase, balance, nil
}

func userLibrary(ctx context.Context, db *sql.DB, userID string) ([]GamePurchase, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT gp.id, gp.price, gp.created_at, `+gameColumns+`
		FROM game_purchases gp
		JOIN games g ON g.id = gp.game_id
		WHERE gp.user_id = $1
		ORDER BY gp.created_at DESC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	library := []GamePurchase{}
	for rows.Next() {
		var p GamePurchase
		g, err := scanGame(scanPrefix{rows: rows, dest: []interface{}{&p.ID, &p.Price, &p.PurchasedAt}})
		if err != nil {
			return nil, err
		}
		p.Game = *g
		library = append(library, p)
	}
	return library, rows.Err()
}

// scanPrefix lets a row scanner fill leading columns before the shared
// column set.
type scanPrefix struct {
	rows rowScanner
	dest []interface{}
}

func (s scanPrefix) Scan(dest ...interface{}) error {
	return s.rows.Scan(append(append([]interface{}{}, s.dest...), dest...)...)
}

func userWishlist(ctx context.Context, db *sql.DB, userID string) ([]Game, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT `+gameColumns+`
		FROM wishlists w
		JOIN games g ON g.id = w.game_id
		WHERE w.user_id = $1 AND g.is_active = true
		ORDER BY w.created_at DESC
	`, userID)
	if err != nil {
		return nil, err
	}
	return scanGames(rows)
}

/* ======================
   Handlers
   ====================== */

func listGamesHandler(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		serveCached(app, w, r, catalogKey("games", r.URL.Query()), func() (interface{}, error) {
			p := parsePageParams(r, 12)
			games, total, err := listGames(r.Context(), app.db, parseGameFilter(r), p, orderBy(r, gameSortColumns, "createdAt", true))
			if err != nil {
				return nil, err
			}
			return map[string]interface{}{
				"games":      games,
				"pagination": newPagination(p, total, "totalGames"),
			}, nil
		})
	}
}

func featuredGamesHandler(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		serveCached(app, w, r, "games:featured", func() (interface{}, error) {
			rows, err := app.db.QueryContext(r.Context(), `
				SELECT `+gameColumns+`
				FROM games g
				WHERE g.is_active = true AND g.is_featured = true
				ORDER BY g.sales_count DESC, g.rating DESC, g.id
				LIMIT 8
			`)
			if err != nil {
				return nil, err
			}
			games, err := scanGames(rows)
			if err != nil {
				return nil, err
			}
			return map[string]interface{}{"games": games}, nil
		})
	}
}

func gameGenresHandler(w http.ResponseWriter, r *http.Request) {
	writeOK(w, map[string]interface{}{"genres": gameGenres})
}

func getGameHandler(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := pathVar(r, "id")
		serveCached(app, w, r, "game:"+id, func() (interface{}, error) {
			game, err := loadGame(r.Context(), app.db, id)
			if err != nil {
				return nil, err
			}
			if !game.IsActive {
				return nil, ErrGameNotFound
			}
			return map[string]interface{}{"game": game}, nil
		})
	}
}

func createGameHandler(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in gameInput
		if err := decodeJSON(r, &in); err != nil {
			writeError(w, r, err)
			return
		}
		if err := in.validateCreate(); err != nil {
			writeError(w, r, err)
			return
		}
		game := &Game{IsActive: true}
		if err := in.applyTo(game); err != nil {
			writeError(w, r, err)
			return
		}
		if err := validateGame(game); err != nil {
			writeError(w, r, err)
			return
		}
		created, err := saveGame(r.Context(), app.db, game)
		if err != nil {
			writeError(w, r, err)
			return
		}
		app.cache.Invalidate(r.Context())
		writeData(w, http.StatusCreated, "Game created successfully", map[string]interface{}{"game": created})
	}
}

func updateGameHandler(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in gameInput
		if err := decodeJSON(r, &in); err != nil {
			writeError(w, r, err)
			return
		}
		game, err := loadGame(r.Context(), app.db, pathVar(r, "id"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		if err := in.applyTo(game); err != nil {
			writeError(w, r, err)
			return
		}
		if err := validateGame(game); err != nil {
			writeError(w, r, err)
			return
		}
		updated, err := saveGame(r.Context(), app.db, game)
		if err != nil {
			writeError(w, r, err)
			return
		}
		app.cache.Invalidate(r.Context())
		writeData(w, http.StatusOK, "Game updated successfully", map[string]interface{}{"game": updated})
	}
}

func purchaseGameHandler(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user := accountFromContext(r.Context())
		purchase, balance, err := purchaseGame(r.Context(), app.db, user, pathVar(r, "id"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		app.cache.Invalidate(r.Context())
		requestLogger(r.Context()).WithFields(logrus.Fields{
			"game_id": purchase.Game.ID,
			"price":   purchase.Price.String(),
		}).Info("game purchased")
		writeData(w, http.StatusCreated, "Game purchased successfully", map[string]interface{}{
			"purchase":      purchase,
			"walletBalance": balance,
		})
	}
}

func addWishlistHandler(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		game, err := loadGame(r.Context(), app.db, pathVar(r, "id"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		if !game.IsActive {
			writeError(w, r, ErrGameNotFound)
			return
		}
		if _, err := app.db.ExecContext(r.Context(), `
			INSERT INTO wishlists (user_id, game_id)
			VALUES ($1, $2)
			ON CONFLICT (user_id, game_id) DO NOTHING
		`, accountFromContext(r.Context()).ID, game.ID); err != nil {
			writeError(w, r, err)
			return
		}
		writeData(w, http.StatusOK, "Added to wishlist", nil)
	}
}

func removeWishlistHandler(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, err := app.db.ExecContext(r.Context(), `
			DELETE FROM wishlists WHERE user_id = $1 AND game_id = $2
		`, accountFromContext(r.Context()).ID, pathVar(r, "id")); err != nil {
			writeError(w, r, err)
			return
		}
		writeData(w, http.StatusOK, "Removed from wishlist", nil)
	}
}

func wishlistHandler(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		games, err := userWishlist(r.Context(), app.db, accountFromContext(r.Context()).ID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeOK(w, map[string]interface{}{"games": games})
	}
}

func libraryHandler(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		library, err := userLibrary(r.Context(), app.db, accountFromContext(r.Context()).ID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeOK(w, map[string]interface{}{"library": library})
	}
}
