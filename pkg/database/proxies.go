package database

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/uptrace/bun"

	"ndt-reporter/pkg/models"
)

// probe results arrive from concurrent health-check workers
var updateMutex sync.Mutex

func storedProxies(proxies []models.ProxyDescriptor) []models.StoredProxy {
	rows := make([]models.StoredProxy, 0, len(proxies))
	for _, d := range proxies {
		rows = append(rows, models.StoredProxy{
			URL:  d.URL.String(),
			Kind: string(d.Kind),
		})
	}
	return rows
}

func (db *DB) upsertQuery(rows *[]models.StoredProxy) *bun.InsertQuery {
	return db.NewInsert().
		Model(rows).
		On("CONFLICT (url) DO UPDATE").
		Set("kind = EXCLUDED.kind")
}

// UpsertProxies stores the given proxies, keeping probe history of existing rows
func (db *DB) UpsertProxies(ctx context.Context, proxies []models.ProxyDescriptor) (int64, error) {
	if len(proxies) == 0 {
		return 0, nil
	}
	rows := storedProxies(proxies)

	res, err := db.upsertQuery(&rows).Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("error upserting proxies: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (db *DB) selectQuery(rows *[]models.StoredProxy, onlyAlive bool) *bun.SelectQuery {
	q := db.NewSelect().Model(rows).OrderExpr("p.created_at ASC, p.url ASC")
	if onlyAlive {
		q = q.Where("p.last_alive = TRUE")
	}
	return q
}

// GetProxies returns stored proxies in insertion order
func (db *DB) GetProxies(ctx context.Context, onlyAlive bool) ([]models.StoredProxy, error) {
	var rows []models.StoredProxy
	if err := db.selectQuery(&rows, onlyAlive).Scan(ctx); err != nil {
		return nil, fmt.Errorf("error getting proxies: %w", err)
	}
	return rows, nil
}

// ProxyURLs returns the stored proxy URLs, ready for proxy.ParseLines
func (db *DB) ProxyURLs(ctx context.Context, onlyAlive bool) ([]string, error) {
	rows, err := db.GetProxies(ctx, onlyAlive)
	if err != nil {
		return nil, err
	}
	urls := make([]string, len(rows))
	for i, r := range rows {
		urls[i] = r.URL
	}
	return urls, nil
}

func (db *DB) updateQuery(url string, alive bool, at time.Time) *bun.UpdateQuery {
	return db.NewUpdate().
		Model((*models.StoredProxy)(nil)).
		Set("last_checked_at = ?", at).
		Set("last_alive = ?", alive).
		Where("url = ?", url)
}

// UpdateProxyCheck records the outcome of a liveness probe
func (db *DB) UpdateProxyCheck(ctx context.Context, url string, alive bool, at time.Time) error {
	updateMutex.Lock()
	defer updateMutex.Unlock()

	if _, err := db.updateQuery(url, alive, at).Exec(ctx); err != nil {
		return fmt.Errorf("error updating proxy check: %w", err)
	}
	return nil
}

// RemoveProxy deletes a proxy from the store
func (db *DB) RemoveProxy(ctx context.Context, url string) error {
	_, err := db.NewDelete().
		Model((*models.StoredProxy)(nil)).
		Where("url = ?", url).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("error removing proxy: %w", err)
	}
	return nil
}
