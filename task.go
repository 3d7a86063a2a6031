package main

import (
	"bytes"
	"compress/gzip"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// MBTileVersion mbtiles schema version written to metadata
const MBTileVersion = "1.2"

// TaskState download session state machine:
// Idle -> Enumerating -> Downloading -> {Completed | Cancelled | FailedPartial}
type TaskState int32

const (
	Idle TaskState = iota
	Enumerating
	Downloading
	Completed
	Cancelled
	FailedPartial
)

func (s TaskState) String() string {
	switch s {
	case Idle:
		return "idle"
	case Enumerating:
		return "enumerating"
	case Downloading:
		return "downloading"
	case Completed:
		return "completed"
	case Cancelled:
		return "cancelled"
	case FailedPartial:
		return "failedPartial"
	}
	return "unknown"
}

// DownloadProgress immutable snapshot emitted after every finished tile.
// The terminal event carries IsComplete=true.
type DownloadProgress struct {
	Progress       float64 `json:"progress"`
	IsComplete     bool    `json:"isComplete"`
	Error          string  `json:"error,omitempty"`
	TilesCompleted int     `json:"tilesCompleted"`
	TilesTotal     int     `json:"tilesTotal"`
	SourceName     string  `json:"sourceName,omitempty"`
}

type sourceJob struct {
	tile TileCoord
	src  MapSource
}

// srcTile routes a fetched tile to its source's output database.
type srcTile struct {
	tile  Tile
	srcID string
}

type tileResult struct {
	tile TileCoord
	src  MapSource
	err  error
}

// Task one region download session. Owns its progress stream and all
// transient per-session state; nothing here is shared between sessions.
type Task struct {
	ID      string
	Region  OfflineRegion
	Sources []MapSource
	Total   int

	state        atomic.Int32
	workerCount  int
	savePipeSize int
	retryDelay   time.Duration
	outformat    string
	outdir       string
	conn         string
	Files        map[string]string
	startZoom    int
	startCol     int

	dbs     map[string]*sql.DB
	client  *http.Client
	journal *failJournal

	wg         sync.WaitGroup
	saveWG     sync.WaitGroup
	abort      chan struct{}
	abortOnce  sync.Once
	workers    chan struct{}
	savingpipe chan srcTile
	events     chan DownloadProgress

	errMu   sync.Mutex
	errSeen map[string]struct{}
	errList []string
}

// NewTask validates the request and prepares the output backend. Sources a
// provider does not allow to bulk-download are rejected here, before any
// fetch starts.
func NewTask(region OfflineRegion, sources []MapSource, id string) (*Task, error) {
	if len(sources) == 0 {
		return nil, errors.New("empty source list")
	}
	if !region.Bound.IsValid() {
		return nil, fmt.Errorf("region %q has invalid bounds", region.Name)
	}
	if region.MinZoom > region.MaxZoom {
		return nil, fmt.Errorf("region %q zoom range %d-%d is inverted", region.Name, region.MinZoom, region.MaxZoom)
	}
	for _, src := range sources {
		if src.NeedsComputation {
			return nil, fmt.Errorf("source %q is computed locally and cannot be downloaded", src.Name)
		}
		if !src.OfflineDownloadable {
			return nil, fmt.Errorf("source %q does not permit offline download", src.Name)
		}
	}
	// the mysql backend has a single tiles table, which cannot hold more
	// than one source without row collisions
	if viper.GetString("output.format") == "mysql" && len(sources) > 1 {
		return nil, errors.New("mysql output supports a single source per task")
	}
	task := &Task{
		ID:           uuid.New().String(),
		Region:       region,
		Sources:      sources,
		workerCount:  viper.GetInt("task.workers"),
		savePipeSize: viper.GetInt("task.savepipe"),
		retryDelay:   viper.GetDuration("task.retrydelay"),
		outformat:    viper.GetString("output.format"),
		outdir:       viper.GetString("output.directory"),
		conn:         viper.GetString("output.conn"),
		abort:        make(chan struct{}),
		startZoom:    -1,
		startCol:     -1,
		errSeen:      make(map[string]struct{}),
	}
	if id != "" {
		task.ID = id
	}
	task.state.Store(int32(Idle))
	task.workers = make(chan struct{}, task.workerCount)
	task.savingpipe = make(chan srcTile, task.savePipeSize)
	task.events = make(chan DownloadProgress, task.workerCount*4)
	task.journal = newFailJournal(task.ID)
	if cz, cx := task.journal.cursor(); cz != -1 && cx != -1 {
		task.startZoom = cz
		task.startCol = cx
	}
	if task.outformat == "mbtiles" {
		if err := task.setupMBTileTables(id != ""); err != nil {
			log.Errorf("database connect and prepare error")
			return nil, err
		}
	}
	if task.outformat == "mysql" {
		if err := task.setupMysqlTables(id != ""); err != nil {
			log.Errorf("database connect and prepare error")
			return nil, err
		}
	}
	task.client = &http.Client{
		Timeout: time.Minute * 5,
		Transport: &http.Transport{
			MaxIdleConnsPerHost: task.workerCount,
			MaxConnsPerHost:     task.workerCount,
			MaxIdleConns:        task.workerCount,
			IdleConnTimeout:     time.Second * 5,
		},
	}
	return task, nil
}

// EstimateTileCount tiles needed for a region across a zoom range
func EstimateTileCount(b LngLatBbox, minZoom, maxZoom int) int {
	total := 0
	for _, n := range CountTilesInBBox(b, minZoom, maxZoom) {
		total += n
	}
	return total
}

// EstimateSize bytes needed for tileCount tiles of one source
func EstimateSize(tileCount int, src MapSource) int64 {
	return int64(tileCount) * src.avgTileSize()
}

// Events single-consumer progress stream, closed when the session reaches a
// terminal state.
func (task *Task) Events() <-chan DownloadProgress {
	return task.events
}

// State current session state
func (task *Task) State() TaskState {
	return TaskState(task.state.Load())
}

func (task *Task) setState(s TaskState) {
	task.state.Store(int32(s))
}

// Cancel requests cooperative cancellation. Workers observe it before each
// fetch; in-flight requests are abandoned.
func (task *Task) Cancel() {
	task.abortOnce.Do(func() {
		close(task.abort)
	})
}

// Errors deduplicated per-tile error messages recorded this session
func (task *Task) Errors() []string {
	task.errMu.Lock()
	defer task.errMu.Unlock()
	out := make([]string, len(task.errList))
	copy(out, task.errList)
	return out
}

func (task *Task) recordErr(msg string) {
	task.errMu.Lock()
	defer task.errMu.Unlock()
	if _, seen := task.errSeen[msg]; seen {
		return
	}
	task.errSeen[msg] = struct{}{}
	task.errList = append(task.errList, msg)
}

// MetaItems mbtiles metadata table content for one source's output
func (task *Task) MetaItems(src MapSource) map[string]string {
	b := task.Region.Bound
	format := src.Format
	if format == "" {
		format = PNG
	}
	return map[string]string{
		"id":          task.ID,
		"name":        task.Region.Name,
		"attribution": src.Attribution,
		"format":      format,
		"type":        "xyz",
		"pixel_scale": strconv.Itoa(TileSize),
		"version":     MBTileVersion,
		"bounds":      fmt.Sprintf(`%f,%f,%f,%f`, b.West, b.South, b.East, b.North),
		"center": fmt.Sprintf(`%f,%f,%d`, (b.West+b.East)/2, (b.South+b.North)/2,
			(task.Region.MinZoom+task.Region.MaxZoom)/2),
		"minzoom": strconv.Itoa(task.Region.MinZoom),
		"maxzoom": strconv.Itoa(task.Region.MaxZoom),
	}
}

// setupMBTileTables opens one mbtiles file per source. A single tiles table
// keys on zoom/column/row only, so sources sharing a file would collide.
func (task *Task) setupMBTileTables(ignore bool) error {
	os.MkdirAll(task.outdir, os.ModePerm)
	task.dbs = make(map[string]*sql.DB, len(task.Sources))
	task.Files = make(map[string]string, len(task.Sources))
	for _, src := range task.Sources {
		file := filepath.Join(task.outdir, fmt.Sprintf("%s-%s.mbtiles", task.Region.Name, src.ID))
		db, err := sql.Open("sqlite3", file)
		if err != nil {
			return err
		}
		if err = optimizeConnection(db); err != nil {
			return err
		}
		_, err = db.Exec("create table if not exists tiles (zoom_level integer, tile_column integer, tile_row integer, tile_data blob);")
		if err != nil {
			return err
		}
		_, err = db.Exec("create table if not exists metadata (name text, value text);")
		if err != nil {
			return err
		}
		if !ignore {
			_, _ = db.Exec("create unique index name on metadata (name);")
			_, _ = db.Exec("create unique index tile_index on tiles(zoom_level, tile_column, tile_row);")
			for name, value := range task.MetaItems(src) {
				if _, err := db.Exec("insert or ignore into metadata (name, value) values (?, ?)", name, value); err != nil {
					return err
				}
			}
		}
		task.dbs[src.ID] = db
		task.Files[src.ID] = file
	}
	return nil
}

func (task *Task) setupMysqlTables(ignore bool) error {
	db, err := sql.Open("mysql", task.conn)
	if err != nil {
		return err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)
	_, err = db.Exec("create table if not exists tiles (zoom_level integer, tile_column integer, tile_row integer, tile_data mediumblob);")
	if err != nil {
		return err
	}
	_, err = db.Exec("create table if not exists metadata (name VARCHAR(50), value mediumtext);")
	if err != nil {
		return err
	}
	if !ignore {
		_, _ = db.Exec("create unique index name on metadata (name);")
		_, _ = db.Exec("create unique index tile_index on tiles(zoom_level, tile_column, tile_row);")
		for name, value := range task.MetaItems(task.Sources[0]) {
			if _, err := db.Exec("insert ignore into metadata (name, value) values (?, ?)", name, value); err != nil {
				return err
			}
		}
	}
	task.dbs = map[string]*sql.DB{task.Sources[0].ID: db}
	return nil
}

// plan enumerates every tile for every source in zoom/column/row order,
// skipping columns already covered by a journaled resume cursor.
func (task *Task) plan() []sourceJob {
	var jobs []sourceJob
	tiles := EnumerateTileCoords(task.Region.Bound, task.Region.MinZoom, task.Region.MaxZoom)
	for _, src := range task.Sources {
		for _, t := range tiles {
			if task.startZoom != -1 {
				if t.Z < task.startZoom || (t.Z == task.startZoom && t.X < task.startCol-1) {
					continue
				}
			}
			jobs = append(jobs, sourceJob{tile: t, src: src})
		}
	}
	return jobs
}

// savePipe drains the saving pipe into the db backends, batching per source.
func (task *Task) savePipe() {
	defer task.saveWG.Done()
	batches := make(map[string][]Tile, len(task.Sources))
	flush := func(srcID string) {
		batch := batches[srcID]
		if len(batch) == 0 {
			return
		}
		if err := saveToMBTile(batch, task.dbs[srcID], task.outformat); err != nil {
			for _, t := range batch {
				task.journal.recordFail(TileCoord{X: t.X, Y: t.Y, Z: t.Z}, "save failure")
			}
			log.Errorf("save tile batch error ~ %s", err)
		}
		batches[srcID] = batch[:0]
	}
	flushAll := func() {
		for srcID := range batches {
			flush(srcID)
		}
	}
	for {
		select {
		case st, ok := <-task.savingpipe:
			if !ok {
				flushAll()
				return
			}
			batches[st.srcID] = append(batches[st.srcID], st.tile)
			if len(batches[st.srcID]) == task.savePipeSize {
				flush(st.srcID)
			}
		case <-task.abort:
			flushAll()
			return
		}
	}
}

func (task *Task) emit(p DownloadProgress) {
	select {
	case task.events <- p:
	case <-task.abort:
		// consumer may be gone after a cancel request
		select {
		case task.events <- p:
		default:
		}
	}
}

// fetchTile returns the tile body, whether a failure is worth retrying, and
// the error. 404s and empty bodies are permanent.
func (task *Task) fetchTile(src MapSource, t TileCoord) ([]byte, bool, error) {
	resp, err := task.client.Get(src.TileURL(t))
	if err != nil {
		return nil, true, err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			log.Warnf("response close failure")
		}
	}()
	if resp.StatusCode != http.StatusOK {
		return nil, resp.StatusCode >= 500, fmt.Errorf("resp %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, true, err
	}
	if len(body) == 0 {
		return nil, false, errors.New("nil tile")
	}
	return body, false, nil
}

// tileFetcher fetches one tile with a single bounded retry for transient
// failures, then hands the completion to the collector.
func (task *Task) tileFetcher(j sourceJob, done chan<- tileResult) {
	defer func() {
		task.wg.Done()
		<-task.workers
	}()
	select {
	case <-task.abort:
		return
	default:
	}
	body, retryable, err := task.fetchTile(j.src, j.tile)
	if err != nil && retryable {
		time.Sleep(task.retryDelay)
		select {
		case <-task.abort:
			return
		default:
		}
		body, _, err = task.fetchTile(j.src, j.tile)
	}
	if err != nil {
		task.journal.recordFail(j.tile, err.Error())
		log.Errorf("fetch %s tile %s error, details: %s ~", j.src.Name, j.tile.ToString(), err)
		task.deliver(done, tileResult{tile: j.tile, src: j.src,
			err: fmt.Errorf("%s tile %s: %s", j.src.Name, j.tile.ToString(), err)})
		return
	}
	tile := Tile{X: j.tile.X, Y: j.tile.Y, Z: j.tile.Z, C: body}
	if j.src.Format == PBF {
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err = zw.Write(body); err == nil {
			err = zw.Close()
		}
		if err != nil {
			task.deliver(done, tileResult{tile: j.tile, src: j.src,
				err: fmt.Errorf("%s tile %s: gzip: %s", j.src.Name, j.tile.ToString(), err)})
			return
		}
		tile.C = buf.Bytes()
	}
	if len(task.dbs) > 0 {
		select {
		case task.savingpipe <- srcTile{tile: tile, srcID: j.src.ID}:
		case <-task.abort:
			return
		}
	} else {
		format := j.src.Format
		if format == "" {
			format = PNG
		}
		root := filepath.Join(task.outdir, task.Region.Name, j.src.ID)
		if err := saveToFiles(tile, root, format); err != nil {
			log.Errorf("create %s tile file error ~ %s", j.tile.ToString(), err)
			task.deliver(done, tileResult{tile: j.tile, src: j.src,
				err: fmt.Errorf("%s tile %s: save: %s", j.src.Name, j.tile.ToString(), err)})
			return
		}
	}
	task.journal.clearFail(j.tile)
	task.deliver(done, tileResult{tile: j.tile, src: j.src})
}

// preflightStyle confirms the style document each renderer will load is
// actually reachable before any tile fetch starts.
func (task *Task) preflightStyle(src MapSource, url string) error {
	resp, err := task.client.Get(url)
	if err != nil {
		return fmt.Errorf("style for %q unavailable: %s", src.Name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("style for %q unavailable: resp %d", src.Name, resp.StatusCode)
	}
	return nil
}

func (task *Task) deliver(done chan<- tileResult, r tileResult) {
	select {
	case done <- r:
	case <-task.abort:
	}
}

// closeSave stops the save pipe and closes the backend. On cancellation the
// pipe is left open so abandoned workers never hit a closed channel; the
// drain goroutine exits through the abort signal instead.
func (task *Task) closeSave(cancelled bool) {
	if len(task.dbs) == 0 {
		return
	}
	if !cancelled {
		close(task.savingpipe)
	}
	task.saveWG.Wait()
	for _, db := range task.dbs {
		if err := db.Close(); err != nil {
			log.Warnf("database close failure: %s", err)
		}
	}
}

// Download runs the session to a terminal state. Per-tile failures do not
// abort the session; a bind failure of the loopback style endpoint does,
// before any fetch starts.
func (task *Task) Download() error {
	defer close(task.events)
	defer task.journal.close()

	task.setState(Enumerating)
	jobs := task.plan()
	task.Total = len(jobs)

	style, err := NewStyleServer(nil)
	if err != nil {
		task.setState(Idle)
		return err
	}
	defer style.Close()
	for _, src := range task.Sources {
		u := style.ResolveStyleURL(src)
		log.Debugf("source %s style resolves to %s", src.Name, u)
		if src.Kind == SourceVector {
			// vector styles live on the remote style host, not the loopback
			continue
		}
		style.Register(src)
		if err := task.preflightStyle(src, u); err != nil {
			task.setState(Idle)
			return err
		}
	}

	if len(task.dbs) > 0 {
		task.saveWG.Add(1)
		go task.savePipe()
	}
	task.setState(Downloading)
	log.Infof("task %s downloading %d tiles across %d sources", task.ID, task.Total, len(task.Sources))

	done := make(chan tileResult, task.workerCount)
	go func() {
		curZoom, curCol := -1, -1
		for _, j := range jobs {
			if j.tile.Z != curZoom || j.tile.X != curCol {
				curZoom, curCol = j.tile.Z, j.tile.X
				task.journal.saveCursor(curZoom, curCol)
			}
			select {
			case <-task.abort:
				return
			case task.workers <- struct{}{}:
				task.wg.Add(1)
				go task.tileFetcher(j, done)
			}
		}
	}()

	completed := 0
	failed := 0
	for completed < task.Total {
		select {
		case r := <-done:
			completed++
			p := DownloadProgress{
				Progress:       float64(completed) / float64(task.Total),
				TilesCompleted: completed,
				TilesTotal:     task.Total,
				SourceName:     r.src.Name,
			}
			if r.err != nil {
				failed++
				task.recordErr(r.err.Error())
				p.Error = r.err.Error()
			}
			task.emit(p)
		case <-task.abort:
			task.setState(Cancelled)
			task.emit(DownloadProgress{
				Progress:       float64(completed) / float64(max(task.Total, 1)),
				IsComplete:     true,
				TilesCompleted: completed,
				TilesTotal:     task.Total,
			})
			task.closeSave(true)
			log.Infof("task %s got canceled.", task.ID)
			return nil
		}
	}
	task.wg.Wait()
	task.closeSave(false)

	if failed > 0 {
		task.setState(FailedPartial)
	} else {
		task.setState(Completed)
		task.journal.clean()
	}
	task.emit(DownloadProgress{
		Progress:       1,
		IsComplete:     true,
		TilesCompleted: completed,
		TilesTotal:     task.Total,
	})
	log.Infof("task %s finished in state %s ~", task.ID, task.State())
	return nil
}
