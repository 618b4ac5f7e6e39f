// Package postgres implements the optional persistent database: per-build
// log rows, the per-batch pkgcurrent table, batch events,
// and the historical queries the picker and reason-assignment pass
// consume.  Everything here is optional — an orchestrator without a dburl
// simply never constructs a Database.
package postgres

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/lib/pq"

	"github.com/lilacbuild/lilac/pkg/driver"
	"github.com/lilacbuild/lilac/pkg/reason"
	"github.com/lilacbuild/lilac/pkg/types"
)

// Database wraps a pq-backed *sql.DB with the orchestrator's queries.
type Database struct {
	l  hclog.Logger
	db *sql.DB
}

// Connect opens the database and pins the search path to schema when one
// is configured.
func Connect(l hclog.Logger, dburl, schema string) (*Database, error) {
	db, err := sql.Open("postgres", dburl)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	if schema != "" {
		if _, err := db.Exec(fmt.Sprintf("SET search_path TO %q", schema)); err != nil {
			return nil, err
		}
	}
	return &Database{l: l.Named("db"), db: db}, nil
}

// Close releases the connection pool.
func (d *Database) Close() error {
	return d.db.Close()
}

// GetPkgsLastRusage returns each package's most recent successful build's
// resource usage, keyed by pkgbase.  Packages with no history are simply
// absent.
func (d *Database) GetPkgsLastRusage(pkgs []string) map[string]types.Rusage {
	out := make(map[string]types.Rusage)
	if len(pkgs) == 0 {
		return out
	}

	rows, err := d.db.Query(`
		SELECT DISTINCT ON (pkgbase) pkgbase, cputime_ms, memory, elapsed_ms
		FROM pkglog
		WHERE pkgbase = ANY($1) AND result IN ('successful', 'staged')
		ORDER BY pkgbase, ts DESC`, pq.Array(pkgs))
	if err != nil {
		d.l.Warn("rusage query failed", "err", err)
		return out
	}
	defer rows.Close()

	for rows.Next() {
		var pkg string
		var cputimeMS, memory, elapsedMS int64
		if err := rows.Scan(&pkg, &cputimeMS, &memory, &elapsedMS); err != nil {
			d.l.Warn("rusage row scan failed", "err", err)
			continue
		}
		out[pkg] = types.Rusage{
			CPUTime: time.Duration(cputimeMS) * time.Millisecond,
			Memory:  memory,
			Elapsed: time.Duration(elapsedMS) * time.Millisecond,
		}
	}
	return out
}

// GetPkgsLastSuccessTimes returns when each package last built
// successfully, used by the throttle check in the reason-assignment pass.
func (d *Database) GetPkgsLastSuccessTimes(pkgs []string) map[string]time.Time {
	out := make(map[string]time.Time)
	if len(pkgs) == 0 {
		return out
	}

	rows, err := d.db.Query(`
		SELECT DISTINCT ON (pkgbase) pkgbase, ts
		FROM pkglog
		WHERE pkgbase = ANY($1) AND result IN ('successful', 'staged')
		ORDER BY pkgbase, ts DESC`, pq.Array(pkgs))
	if err != nil {
		d.l.Warn("success-time query failed", "err", err)
		return out
	}
	defer rows.Close()

	for rows.Next() {
		var pkg string
		var ts time.Time
		if err := rows.Scan(&pkg, &ts); err != nil {
			continue
		}
		out[pkg] = ts
	}
	return out
}

// GetUpdateOnBuildVers resolves each update_on_build cross-reference to
// its (last built version, freshly checked version) pair.
func (d *Database) GetUpdateOnBuildVers(refs []reason.OnBuildRef) ([]types.VerPair, error) {
	out := make([]types.VerPair, 0, len(refs))
	for _, ref := range refs {
		var pkgVer, nvVer sql.NullString
		err := d.db.QueryRow(`
			SELECT pkg_version, nv_version
			FROM pkglog
			WHERE pkgbase = $1
			ORDER BY ts DESC LIMIT 1`, ref.Pkgbase).Scan(&pkgVer, &nvVer)
		switch err {
		case nil:
		case sql.ErrNoRows:
			return nil, fmt.Errorf("no build history for update_on_build reference %s", ref.Pkgbase)
		default:
			return nil, err
		}
		out = append(out, types.VerPair{Old: pkgVer.String, New: nvVer.String})
	}
	return out, nil
}

// IsLastBuildFailed reports whether pkg's most recent recorded build
// failed.
func (d *Database) IsLastBuildFailed(pkg string) bool {
	var result string
	err := d.db.QueryRow(`
		SELECT result FROM pkglog
		WHERE pkgbase = $1
		ORDER BY ts DESC LIMIT 1`, pkg).Scan(&result)
	if err != nil {
		return false
	}
	return result == "failed"
}

// InsertPkgLog appends one per-build row.
func (d *Database) InsertPkgLog(entry driver.PkgLogEntry) error {
	_, err := d.db.Exec(`
		INSERT INTO pkglog
		(ts, pkgbase, nv_version, pkg_version, elapsed_ms, result, cputime_ms, memory, msg, build_reasons, maintainers)
		VALUES (now(), $1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		entry.Pkgbase, entry.NvVersion, entry.PkgVersion,
		entry.Elapsed.Milliseconds(), entry.Result.String(),
		entry.CPUTime.Milliseconds(), entry.Memory, entry.Msg,
		entry.BuildReason, pq.Array(entry.Maintainers))
	return err
}

// PkgCurrent is one row of the per-batch queue snapshot.
type PkgCurrent struct {
	Pkgbase      string
	Index        int
	Status       string // pending, building, done
	BuildReasons string
}

// RewritePkgCurrent replaces the pkgcurrent table with this batch's
// queue, in scheduling order.
func (d *Database) RewritePkgCurrent(entries []PkgCurrent) error {
	tx, err := d.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM pkgcurrent`); err != nil {
		return err
	}
	for _, e := range entries {
		if _, err := tx.Exec(`
			INSERT INTO pkgcurrent (pkgbase, index, status, build_reasons)
			VALUES ($1, $2, $3, $4)`,
			e.Pkgbase, e.Index, e.Status, e.BuildReasons); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// SetPkgStatus moves one package through pending -> building -> done.
func (d *Database) SetPkgStatus(pkg, status string) error {
	_, err := d.db.Exec(`UPDATE pkgcurrent SET status = $2 WHERE pkgbase = $1`, pkg, status)
	return err
}

// RecordBatchEvent appends a batch start/stop row.
func (d *Database) RecordBatchEvent(event, logdir string) error {
	_, err := d.db.Exec(`INSERT INTO batch (ts, event, logdir) VALUES (now(), $1, $2)`, event, logdir)
	return err
}
