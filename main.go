package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	nested "github.com/antonfisher/nested-logrus-formatter"
	"github.com/cheggaaa/pb/v3"
	"github.com/spf13/viper"
)

//flag
var (
	hf bool
	cf string
	mf string
	df string
)

func init() {
	flag.BoolVar(&hf, "h", false, "this help")
	flag.StringVar(&cf, "c", "conf.toml", "set config `file`")
	flag.StringVar(&mf, "m", "download", "run `mode`: estimate, download, terrain, regions, serve")
	flag.StringVar(&df, "d", "", "delete region by `id` (regions mode)")
	flag.Usage = usage
	log.SetFormatter(&nested.Formatter{
		HideKeys:        true,
		ShowFullLevel:   true,
		TimestampFormat: "2006-01-02 15:04:05.000",
	})
	file, err := os.OpenFile("trailpack.log", os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
	writers := []io.Writer{file}
	fileWriter := io.MultiWriter(writers...)
	if err == nil {
		log.SetOutput(fileWriter)
	} else {
		log.Info("failed to log to file.")
	}
	log.SetLevel(log.DebugLevel)
}

func usage() {
	fmt.Fprintf(os.Stderr, `trailpack version: trailpack/1.0
Usage: trailpack [-h] [-c filename] [-m mode] [-d region-id]
`)
	flag.PrintDefaults()
}

//initConf 初始化配置
func initConf(cfgFile string) {
	if _, err := os.Stat(cfgFile); os.IsNotExist(err) {
		log.Warnf("config file(%s) not exist", cfgFile)
	}
	viper.SetConfigType("toml")
	viper.SetConfigFile(cfgFile)
	viper.AutomaticEnv() // read in environment variables that match
	err := viper.ReadInConfig()
	if err != nil {
		log.Warnf("read config file(%s) error, details: %s", viper.ConfigFileUsed(), err)
	}
	viper.SetDefault("app.version", "v 1.0.0")
	viper.SetDefault("app.title", "TrailPack Offline Tiler")
	viper.SetDefault("output.format", "mbtiles")
	viper.SetDefault("output.directory", "output")
	viper.SetDefault("task.workers", 4)
	viper.SetDefault("task.savepipe", 8)
	viper.SetDefault("task.retrydelay", "2s")
	viper.SetDefault("redis.addr", "")
	viper.SetDefault("region.name", "region")
	viper.SetDefault("region.minzoom", 8)
	viper.SetDefault("region.maxzoom", 14)
	viper.SetDefault("region.buffer_meters", 0)
	viper.SetDefault("region.sources", []string{"topo-raster"})
	viper.SetDefault("terrain.endpoint", "https://s3.amazonaws.com/elevation-tiles-prod/terrarium")
	viper.SetDefault("terrain.zoom", 12)
	viper.SetDefault("cache.root", "cache")
	viper.SetDefault("regions.db", "regions.db")
}

// regionFromConf builds the region either from an explicit bbox or from the
// bound of a geojson route, buffered when region.buffer_meters is set.
func regionFromConf() (OfflineRegion, error) {
	r := OfflineRegion{
		Name:    viper.GetString("region.name"),
		MinZoom: viper.GetInt("region.minzoom"),
		MaxZoom: viper.GetInt("region.maxzoom"),
	}
	if path := viper.GetString("region.geojson"); path != "" {
		c, err := loadCollection(path)
		if err != nil {
			return r, fmt.Errorf("region geojson %s: %s", path, err)
		}
		b, ok := collectionBBox(c)
		if !ok {
			return r, fmt.Errorf("region geojson %s has no geometry", path)
		}
		r.Bound = b
	} else {
		var bbox []float64
		if err := viper.UnmarshalKey("region.bbox", &bbox); err != nil {
			return r, fmt.Errorf("region.bbox: %s", err)
		}
		if len(bbox) != 4 {
			return r, fmt.Errorf("region.bbox needs 4 values [west, south, east, north], got %d", len(bbox))
		}
		r.Bound = LngLatBbox{West: bbox[0], South: bbox[1], East: bbox[2], North: bbox[3]}
	}
	if buffer := viper.GetFloat64("region.buffer_meters"); buffer > 0 {
		r.Bound = ComputeBufferedBBox(r.Bound, buffer)
	}
	return r, nil
}

func confSources() ([]MapSource, error) {
	ids := viper.GetStringSlice("region.sources")
	var out []MapSource
	for _, id := range ids {
		src, ok := lookupSource(id)
		if !ok {
			return nil, fmt.Errorf("unknown source %q", id)
		}
		out = append(out, src)
	}
	return out, nil
}

func runEstimate() error {
	region, err := regionFromConf()
	if err != nil {
		return err
	}
	sources, err := confSources()
	if err != nil {
		return err
	}
	perZoom := CountTilesInBBox(region.Bound, region.MinZoom, region.MaxZoom)
	count := EstimateTileCount(region.Bound, region.MinZoom, region.MaxZoom)
	fmt.Printf("region %q zoom %d-%d\n", region.Name, region.MinZoom, region.MaxZoom)
	for z := region.MinZoom; z <= region.MaxZoom; z++ {
		fmt.Printf("  z%-2d %d tiles\n", z, perZoom[z])
	}
	for _, src := range sources {
		fmt.Printf("%s: %d tiles, ~%s\n", src.Name, count, FormatBytes(EstimateSize(count, src)))
	}
	return nil
}

func runDownload() error {
	region, err := regionFromConf()
	if err != nil {
		return err
	}
	sources, err := confSources()
	if err != nil {
		return err
	}
	store, err := OpenRegionStore(viper.GetString("regions.db"))
	if err != nil {
		return err
	}
	defer store.Close()
	if err := store.Save(&region); err != nil {
		return err
	}
	task, err := NewTask(region, sources, region.ID)
	if err != nil {
		return err
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sig)
	go func() {
		<-sig
		log.Info("interrupt received, canceling")
		task.Cancel()
	}()

	var runErr error
	fin := make(chan struct{})
	go func() {
		defer close(fin)
		runErr = task.Download()
	}()

	total := EstimateTileCount(region.Bound, region.MinZoom, region.MaxZoom) * len(sources)
	bar := pb.Full.Start(total)
	for p := range task.Events() {
		if p.TilesTotal > 0 {
			bar.SetTotal(int64(p.TilesTotal))
		}
		bar.SetCurrent(int64(p.TilesCompleted))
		if p.Error != "" {
			log.Error(p.Error)
		}
		if p.IsComplete {
			break
		}
	}
	bar.Finish()
	<-fin
	if runErr != nil {
		return runErr
	}
	switch task.State() {
	case Cancelled:
		// a canceled download leaves no usable region behind
		if err := store.Delete(region.ID); err != nil {
			log.Warnf("drop region record %s: %s", region.ID, err)
		}
		fmt.Println("download canceled")
	case FailedPartial:
		fmt.Printf("download finished with %d errors:\n", len(task.Errors()))
		for _, e := range task.Errors() {
			fmt.Println("  " + e)
		}
	default:
		fmt.Println("download completed")
	}
	return nil
}

func runTerrain() error {
	region, err := regionFromConf()
	if err != nil {
		return err
	}
	session, err := NewTerrainSession(region.Bound, viper.GetInt("terrain.zoom"))
	if err != nil {
		return err
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sig)
	go func() {
		<-sig
		session.Cancel()
	}()

	var runErr error
	fin := make(chan struct{})
	go func() {
		defer close(fin)
		runErr = session.Run()
	}()

	var bar *pb.ProgressBar
	phase := ""
	for p := range session.Events() {
		if p.Phase != phase {
			if bar != nil {
				bar.Finish()
			}
			phase = p.Phase
			if p.Phase != PhaseDone {
				fmt.Println(p.Phase)
				bar = pb.Full.Start(p.Total)
			}
		}
		if bar != nil && p.Phase != PhaseDone {
			bar.SetCurrent(int64(p.Current))
		}
	}
	if bar != nil {
		bar.Finish()
	}
	<-fin
	if runErr != nil {
		return runErr
	}
	for _, e := range session.Errors() {
		log.Error(e)
	}
	fmt.Println("terrain layers ready")
	return nil
}

func runRegions() error {
	store, err := OpenRegionStore(viper.GetString("regions.db"))
	if err != nil {
		return err
	}
	defer store.Close()
	if df != "" {
		if err := store.Delete(df); err != nil {
			return err
		}
		fmt.Printf("region %s deleted\n", df)
		return nil
	}
	regions, err := store.List()
	if err != nil {
		return err
	}
	if len(regions) == 0 {
		fmt.Println("no regions")
		return nil
	}
	for _, r := range regions {
		fmt.Printf("%s  %-20s z%d-%d  [%.4f, %.4f, %.4f, %.4f]  %s\n",
			r.ID, r.Name, r.MinZoom, r.MaxZoom,
			r.Bound.West, r.Bound.South, r.Bound.East, r.Bound.North,
			r.Created.Format("2006-01-02 15:04"))
	}
	return nil
}

func runServe() error {
	cache, err := NewTerrainCache(viper.GetString("cache.root"))
	if err != nil {
		return err
	}
	srv, err := NewStyleServer(cache)
	if err != nil {
		return err
	}
	defer srv.Close()
	fmt.Printf("style server on %s\n", srv.URL())
	for _, src := range sourceCatalog {
		fmt.Printf("  %-18s %s\n", src.ID, srv.ResolveStyleURL(src))
	}
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	return nil
}

func main() {
	flag.Parse()
	if hf {
		flag.Usage()
		return
	}
	if cf == "" {
		cf = "conf.toml"
	}
	initConf(cf)
	start := time.Now()
	var err error
	switch mf {
	case "estimate":
		err = runEstimate()
	case "download":
		err = runDownload()
	case "terrain":
		err = runTerrain()
	case "regions":
		err = runRegions()
	case "serve":
		err = runServe()
	default:
		fmt.Fprintf(os.Stderr, "unknown mode %q\n", mf)
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		log.Error(err)
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	secs := time.Since(start).Seconds()
	fmt.Printf("\n%.3fs finished...\n", secs)
}
