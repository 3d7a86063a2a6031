package main

import (
	"bufio"
	"database/sql"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	nested "github.com/antonfisher/nested-logrus-formatter"
	"github.com/gomodule/redigo/redis"
	_ "github.com/mattn/go-sqlite3"
	log "github.com/sirupsen/logrus"
)

// trailpack-export packs one computed terrain layer from the png cache into
// a standalone mbtiles file, and can dump the redis fail journal to a text
// file for replay.

var (
	cacheRoot string
	layer     string
	outFile   string
	redisAddr string
	dumpFails bool
	seedFile  string
	seedTask  string
)

type record struct {
	zoomLevel  int
	tileColumn int
	tileRow    int
	tileData   []byte
}

type exportJob struct {
	wg         sync.WaitGroup
	workers    chan string
	savingpipe chan []record
	saveDone   chan struct{}
}

func init() {
	flag.StringVar(&cacheRoot, "cache", "cache", "terrain cache `root`")
	flag.StringVar(&layer, "layer", "composite", "terrain `layer` to export")
	flag.StringVar(&outFile, "o", "terrain.mbtiles", "output mbtiles `file`")
	flag.StringVar(&redisAddr, "redis", "127.0.0.1:6379", "redis `addr` for journal dump")
	flag.BoolVar(&dumpFails, "dump-fails", false, "dump the fail journal instead of exporting")
	flag.StringVar(&seedFile, "seed-fails", "", "seed the fail journal from a z/x/y list `file`")
	flag.StringVar(&seedTask, "task", "manual", "task `id` the dumped or seeded journal belongs to")
	log.SetFormatter(&nested.Formatter{
		HideKeys:        true,
		ShowFullLevel:   true,
		TimestampFormat: "2006-01-02 15:04:05.000",
	})
	file, err := os.OpenFile("export.log", os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
	writers := []io.Writer{file, os.Stdout}
	fileWriter := io.MultiWriter(writers...)
	if err == nil {
		log.SetOutput(fileWriter)
	} else {
		log.Info("failed to log to file.")
	}
	log.SetLevel(log.DebugLevel)
}

func main() {
	flag.Parse()
	if dumpFails {
		if err := exportFailJournal(redisAddr, seedTask); err != nil {
			log.Fatal(err)
		}
		return
	}
	if seedFile != "" {
		if err := seedFailJournal(redisAddr, seedTask, seedFile); err != nil {
			log.Fatal(err)
		}
		return
	}
	if err := exportLayerToSqlite(cacheRoot, layer, outFile); err != nil {
		log.Fatal(err)
	}
}

// exportLayerToSqlite walks cache/{layer}/{z}/{x}/{y}.png, one worker per
// column directory, and batches rows into the tiles table. Rows are stored
// tms style, same as the downloader.
func exportLayerToSqlite(root, layer, out string) error {
	layerDir := filepath.Join(root, "terrain_analysis", layer)
	if _, err := os.Stat(layerDir); err != nil {
		return fmt.Errorf("layer dir %s: %s", layerDir, err)
	}
	sqlite, err := sql.Open("sqlite3", out)
	if err != nil {
		return err
	}
	defer sqlite.Close()
	for _, pragma := range []string{
		"PRAGMA synchronous=1",
		"PRAGMA locking_mode=EXCLUSIVE",
		"PRAGMA journal_mode=OFF",
		"PRAGMA page_size=4096",
		"PRAGMA cache_size=8000",
	} {
		if _, err := sqlite.Exec(pragma); err != nil {
			return err
		}
	}
	_, err = sqlite.Exec("create table if not exists tiles (zoom_level integer, tile_column integer, tile_row integer, tile_data blob);")
	if err != nil {
		return err
	}
	_, err = sqlite.Exec("create table if not exists metadata (name text, value text);")
	if err != nil {
		return err
	}
	meta := map[string]string{
		"name":    "terrain-" + layer,
		"type":    "overlay",
		"version": "1.2",
		"format":  "png",
	}
	for name, value := range meta {
		if _, err := sqlite.Exec("insert or replace into metadata (name, value) values (?, ?)", name, value); err != nil {
			return err
		}
	}

	job := exportJob{
		workers:    make(chan string, 8),
		savingpipe: make(chan []record, 16),
		saveDone:   make(chan struct{}),
	}
	go job.savePipe(sqlite)

	columns, err := columnDirs(layerDir)
	if err != nil {
		return err
	}
	var count = 0
	for _, col := range columns {
		job.workers <- col
		job.wg.Add(1)
		go job.genRec(col)
		count++
	}
	job.wg.Wait()
	close(job.savingpipe)
	<-job.saveDone
	_, err = sqlite.Exec("create unique index if not exists tile_index on tiles (zoom_level, tile_column, tile_row);")
	if err != nil {
		log.Warnf("tile index: %s", err)
	}
	log.Infof("exported %d columns of layer %s", count, layer)
	return nil
}

// columnDirs lists cache column directories as {layerDir}/{z}/{x} paths.
func columnDirs(layerDir string) ([]string, error) {
	var out []string
	zooms, err := os.ReadDir(layerDir)
	if err != nil {
		return nil, err
	}
	for _, z := range zooms {
		if !z.IsDir() {
			continue
		}
		cols, err := os.ReadDir(filepath.Join(layerDir, z.Name()))
		if err != nil {
			return nil, err
		}
		for _, c := range cols {
			if c.IsDir() {
				out = append(out, filepath.Join(layerDir, z.Name(), c.Name()))
			}
		}
	}
	return out, nil
}

func (job *exportJob) genRec(colDir string) {
	defer job.wg.Done()
	defer func() {
		<-job.workers
	}()
	col := filepath.Base(colDir)
	zoom := filepath.Base(filepath.Dir(colDir))
	z, err := strconv.Atoi(zoom)
	if err != nil {
		return
	}
	x, err := strconv.Atoi(col)
	if err != nil {
		return
	}
	files, err := os.ReadDir(colDir)
	if err != nil {
		return
	}
	var recs []record
	for _, f := range files {
		name := f.Name()
		if !strings.HasSuffix(name, ".png") {
			continue
		}
		y, err := strconv.Atoi(strings.TrimSuffix(name, ".png"))
		if err != nil {
			continue
		}
		data, err := os.ReadFile(filepath.Join(colDir, name))
		if err != nil {
			log.Errorf("read %s ~ %s", name, err)
			continue
		}
		recs = append(recs, record{
			zoomLevel:  z,
			tileColumn: x,
			tileRow:    (1 << z) - y - 1,
			tileData:   data,
		})
	}
	if len(recs) > 0 {
		job.savingpipe <- recs
	}
}

func (job *exportJob) savePipe(db *sql.DB) {
	for recs := range job.savingpipe {
		if err := job.saveToSqlite(recs, db); err != nil {
			log.Errorf("save tile to mbtiles db error ~ %s", err)
		}
	}
	close(job.saveDone)
}

func (job *exportJob) saveToSqlite(rows []record, sqlite *sql.DB) error {
	start := time.Now()
	tx, er := sqlite.Begin()
	if er != nil {
		return er
	}
	sqlStr := "insert or ignore into tiles (zoom_level, tile_column, tile_row, tile_data) values (?, ?, ?, ?);"
	var roc = 0
	for _, rec := range rows {
		_, err := tx.Exec(sqlStr, rec.zoomLevel, rec.tileColumn, rec.tileRow, rec.tileData)
		roc++
		if err != nil {
			continue
		}
	}
	err := tx.Commit()
	log.Infof("column %d, batch %d complete, cost %d", rows[0].tileColumn, roc, time.Since(start).Milliseconds())
	return err
}

// failListKey hash the download sessions journal failures into, keyed by the
// task id. Dump and seed must agree on it or replays read an empty hash.
func failListKey(taskID string) string {
	return "fail_list:" + taskID
}

// keyToLine converts a journal hash key (tile_x_y_z) to a replay line (z/x/y).
func keyToLine(key string) (string, bool) {
	st := strings.Replace(key, "tile_", "", -1)
	parts := strings.Split(st, "_")
	if len(parts) != 3 {
		return "", false
	}
	return parts[2] + "/" + parts[0] + "/" + parts[1], true
}

// lineToEntry converts a replay line (z/x/y) back into a journal hash entry.
func lineToEntry(line string) (string, string, bool) {
	parts := strings.Split(strings.TrimSpace(line), "/")
	if len(parts) != 3 {
		return "", "", false
	}
	z, err1 := strconv.Atoi(parts[0])
	x, err2 := strconv.Atoi(parts[1])
	y, err3 := strconv.Atoi(parts[2])
	if err1 != nil || err2 != nil || err3 != nil {
		return "", "", false
	}
	key := fmt.Sprintf("tile_%d_%d_%d", x, y, z)
	val := fmt.Sprintf(`{"x":%d,"y":%d,"z":%d,"res":"seeded"}`, x, y, z)
	return key, val, true
}

// exportFailJournal writes a task's journaled failures as z/x/y lines for
// replay.
func exportFailJournal(addr, taskID string) error {
	f, err := os.OpenFile("errTile.txt", os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
	if err != nil {
		return err
	}
	pool := redis.Pool{
		MaxIdle:     16,
		MaxActive:   32,
		IdleTimeout: 120,
		Dial: func() (redis.Conn, error) {
			return redis.Dial("tcp", addr)
		},
	}
	conn := pool.Get()
	defer func() {
		f.Close()
		conn.Close()
		pool.Close()
	}()
	keys, err := redis.Strings(conn.Do("hkeys", failListKey(taskID)))
	if err != nil {
		return err
	}
	for _, key := range keys {
		line, ok := keyToLine(key)
		if !ok {
			continue
		}
		_, _ = f.WriteString(line + "\n")
	}
	log.Infof("dumped %d failed tiles", len(keys))
	return nil
}

// seedFailJournal reads z/x/y lines and enqueues them as fail_list entries
// so a resumed task will retry them.
func seedFailJournal(addr, taskID, path string) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	pool := redis.Pool{
		MaxIdle:     16,
		MaxActive:   32,
		IdleTimeout: 120,
		Dial: func() (redis.Conn, error) {
			return redis.Dial("tcp", addr)
		},
	}
	conn := pool.Get()
	defer func() {
		file.Close()
		conn.Close()
		pool.Close()
	}()
	count := 0
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		key, val, ok := lineToEntry(scanner.Text())
		if !ok {
			continue
		}
		if _, err := conn.Do("hset", failListKey(taskID), key, val); err != nil {
			log.Warnf("redis save tile failure %s", key)
			continue
		}
		count++
	}
	log.Infof("seeded %d failed tiles for task %s", count, taskID)
	return scanner.Err()
}
