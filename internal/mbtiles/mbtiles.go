// Package mbtiles reads tile archives stored in the MBTiles layout: a
// tiles(zoom_level, tile_column, tile_row, tile_data) table with TMS rows and
// a metadata(name, value) table. The same layout is served from a sqlite
// file or from a MySQL database.
package mbtiles

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strings"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"
	log "github.com/sirupsen/logrus"

	"Fast-TileServer/internal/tile"
)

// Supported drivers.
const (
	SQLite = "sqlite3"
	MySQL  = "mysql"
)

var (
	// ErrArchiveMissing is returned when an archive file does not exist.
	ErrArchiveMissing = errors.New("archive file not found")
	// ErrArchiveEmpty is returned when an archive file has no content.
	ErrArchiveEmpty = errors.New("archive file is empty")
)

// Options selects the archive backend.
type Options struct {
	// Driver is SQLite (default) or MySQL.
	Driver string
	// DSN is the file path for SQLite or the connection string for MySQL.
	DSN string
	// MaxOpenConns bounds the connection pool. Defaults to 10.
	MaxOpenConns int
}

// Archive is a read-only MBTiles archive.
type Archive struct {
	db     *sql.DB
	driver string
	name   string
	format string
}

// Open opens and probes an archive. The archive is never written to.
func Open(ctx context.Context, opts Options) (*Archive, error) {
	if opts.Driver == "" {
		opts.Driver = SQLite
	}
	if opts.MaxOpenConns <= 0 {
		opts.MaxOpenConns = 10
	}

	dsn := opts.DSN
	switch opts.Driver {
	case SQLite:
		if err := checkFile(opts.DSN); err != nil {
			return nil, err
		}
		dsn = fmt.Sprintf("file:%s?mode=ro&_query_only=true", opts.DSN)
	case MySQL:
		if dsn == "" {
			return nil, errors.New("mysql archive needs a dsn")
		}
	default:
		return nil, fmt.Errorf("unsupported archive driver %q", opts.Driver)
	}

	db, err := sql.Open(opts.Driver, dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(opts.MaxOpenConns)
	db.SetMaxIdleConns(opts.MaxOpenConns)

	a := &Archive{db: db, driver: opts.Driver, name: archiveName(opts)}
	meta, err := a.Metadata(ctx)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("read metadata of %s: %w", a.name, err)
	}
	if err := a.probe(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("probe tiles of %s: %w", a.name, err)
	}
	a.format = meta["format"]
	if a.format == "" {
		a.format = tile.PNG
	}
	log.WithFields(log.Fields{"archive": a.name, "driver": a.driver, "format": a.format}).Debug("archive opened")
	return a, nil
}

func checkFile(path string) error {
	if path == "" {
		return ErrArchiveMissing
	}
	fi, err := os.Stat(path)
	if os.IsNotExist(err) {
		return fmt.Errorf("%w: %s", ErrArchiveMissing, path)
	}
	if err != nil {
		return err
	}
	if fi.IsDir() {
		return fmt.Errorf("archive %s is a directory", path)
	}
	if fi.Size() == 0 {
		return fmt.Errorf("%w: %s", ErrArchiveEmpty, path)
	}
	return nil
}

func archiveName(opts Options) string {
	if opts.Driver == MySQL {
		// never log credentials
		if i := strings.LastIndex(opts.DSN, "@"); i >= 0 {
			return opts.DSN[i+1:]
		}
	}
	return opts.DSN
}

func (a *Archive) probe(ctx context.Context) error {
	rows, err := a.db.QueryContext(ctx, "select zoom_level from tiles limit 1")
	if err != nil {
		return err
	}
	return rows.Close()
}

// Format is the tile format declared in the archive metadata.
func (a *Archive) Format() string {
	return a.format
}

// Metadata returns the raw name/value pairs of the metadata table.
func (a *Archive) Metadata(ctx context.Context) (map[string]string, error) {
	rows, err := a.db.QueryContext(ctx, "select name, value from metadata")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	meta := make(map[string]string)
	for rows.Next() {
		var name, value sql.NullString
		if err := rows.Scan(&name, &value); err != nil {
			return nil, err
		}
		if name.Valid {
			meta[name.String] = value.String
		}
	}
	return meta, rows.Err()
}

// ZoomExtent returns the native row and column range present at zoom z.
// ok is false when the archive holds no tiles at that zoom.
func (a *Archive) ZoomExtent(ctx context.Context, z int) (tile.Extent, bool, error) {
	var minRow, maxRow, minCol, maxCol sql.NullInt64
	err := a.db.QueryRowContext(ctx,
		"select min(tile_row), max(tile_row), min(tile_column), max(tile_column) from tiles where zoom_level = ?", z,
	).Scan(&minRow, &maxRow, &minCol, &maxCol)
	if err != nil {
		return tile.Extent{}, false, err
	}
	if !minRow.Valid || !maxRow.Valid || !minCol.Valid || !maxCol.Valid {
		return tile.Extent{}, false, nil
	}
	return tile.Extent{
		MinRow: int(minRow.Int64),
		MaxRow: int(maxRow.Int64),
		MinCol: int(minCol.Int64),
		MaxCol: int(maxCol.Int64),
	}, true, nil
}

// Tile fetches the tile at XYZ coordinate (z, x, y). It returns
// tile.ErrNotFound when the archive has no (or a zero byte) tile there.
func (a *Archive) Tile(ctx context.Context, z, x, y int) (*tile.Tile, error) {
	var data []byte
	err := a.db.QueryRowContext(ctx,
		"select tile_data from tiles where zoom_level = ? and tile_column = ? and tile_row = ?",
		z, x, tile.FlipY(y, z),
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, tile.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("fetch %d/%d/%d from %s: %w", z, x, y, a.name, err)
	}
	if len(data) == 0 {
		return nil, tile.ErrNotFound
	}
	return &tile.Tile{
		Coord:  tile.Coord{Z: z, X: x, Y: y},
		C:      data,
		Header: tile.Headers(a.format, data),
	}, nil
}

// Close releases the database handle.
func (a *Archive) Close() error {
	return a.db.Close()
}

