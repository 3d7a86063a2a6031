package main

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/gomodule/redigo/redis"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// ErrTile journal record for a tile that could not be fetched
type ErrTile struct {
	X   int    `json:"x"`
	Y   int    `json:"y"`
	Z   int    `json:"z"`
	Res string `json:"res"`
}

// failJournal optional redis-backed record of failed tiles and the resume
// cursor for a download task. Nil when redis.addr is not configured; every
// method tolerates a nil receiver so the task code stays unconditional.
type failJournal struct {
	pool   redis.Pool
	taskID string
}

func newFailJournal(taskID string) *failJournal {
	addr := viper.GetString("redis.addr")
	if addr == "" {
		return nil
	}
	return &failJournal{
		taskID: taskID,
		pool: redis.Pool{
			MaxIdle:     16,
			MaxActive:   32,
			IdleTimeout: 120,
			Dial: func() (redis.Conn, error) {
				return redis.Dial("tcp", addr)
			},
		},
	}
}

func (j *failJournal) closeConn(conn redis.Conn) {
	if err := conn.Close(); err != nil {
		log.Errorf("redis connection close failure")
	}
}

func tileKey(t TileCoord) string {
	return "tile_" + strconv.Itoa(t.X) + "_" + strconv.Itoa(t.Y) + "_" + strconv.Itoa(t.Z)
}

// recordFail journals one failed tile. 404s and empty tiles go to the nil
// list, everything else to the fail list.
func (j *failJournal) recordFail(t TileCoord, res string) {
	if j == nil {
		return
	}
	conn := j.pool.Get()
	defer j.closeConn(conn)
	et := ErrTile{X: t.X, Y: t.Y, Z: t.Z, Res: res}
	val, _ := json.Marshal(et)
	list := "fail_list:"
	if res == "nil tile" || res == "resp 404" {
		list = "nil_list:"
	}
	replay, err := redis.Int64(conn.Do("hset", list+j.taskID, tileKey(t), val))
	if err != nil && replay < 0 {
		log.Errorf("redis save tile failure")
	}
}

func (j *failJournal) clearFail(t TileCoord) {
	if j == nil {
		return
	}
	conn := j.pool.Get()
	defer j.closeConn(conn)
	_, _ = conn.Do("hdel", "fail_list:"+j.taskID, tileKey(t))
}

// saveCursor records the zoom/column the planner reached, for resume.
func (j *failJournal) saveCursor(zoom, col int) {
	if j == nil {
		return
	}
	conn := j.pool.Get()
	defer j.closeConn(conn)
	_, err := conn.Do("set", "cursor:"+j.taskID, strconv.Itoa(zoom)+":"+strconv.Itoa(col))
	if err != nil {
		log.Errorf("redis save cursor failure")
	}
}

// cursor returns the saved zoom/column, or -1,-1 when none exists.
func (j *failJournal) cursor() (int, int) {
	if j == nil {
		return -1, -1
	}
	conn := j.pool.Get()
	defer j.closeConn(conn)
	replay, err := redis.String(conn.Do("get", "cursor:"+j.taskID))
	if err != nil {
		return -1, -1
	}
	parts := strings.Split(replay, ":")
	if len(parts) != 2 {
		return -1, -1
	}
	zoom, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return -1, -1
	}
	col, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return -1, -1
	}
	return int(zoom), int(col)
}

// clean drops all journal state for the task.
func (j *failJournal) clean() {
	if j == nil {
		return
	}
	conn := j.pool.Get()
	defer j.closeConn(conn)
	_, _ = conn.Do("del", "cursor:"+j.taskID)
	_, _ = conn.Do("del", "nil_list:"+j.taskID)
	_, _ = conn.Do("del", "fail_list:"+j.taskID)
}

func (j *failJournal) close() {
	if j == nil {
		return
	}
	_ = j.pool.Close()
}
