// sfc-flash 独立的固件烧写工具。与 sfc-host 共用串口，运行前需停止 sfc-host。
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/schollz/progressbar/v3"
	"go.uber.org/zap"

	"github.com/taoyao-code/sfc-host/internal/app"
	cfgpkg "github.com/taoyao-code/sfc-host/internal/config"
	"github.com/taoyao-code/sfc-host/internal/firmware"
	"github.com/taoyao-code/sfc-host/internal/logging"
	"github.com/taoyao-code/sfc-host/internal/protocol/sfc"
)

func main() {
	configPath := flag.String("config", "", "配置文件路径")
	port := flag.String("port", "", "串口（覆盖配置）")
	imagePath := flag.String("image", "", "S-record 镜像文件")
	str := flag.Int("string", 0, "串号 0..3")
	mct := flag.Int("mct", 0, "单元地址 1..10")
	slave := flag.Bool("slave", false, "升级从机 MCU")
	verbose := flag.Bool("v", false, "输出调试日志")
	flag.Parse()

	if *imagePath == "" || *mct == 0 {
		flag.PrintDefaults()
		fatalf("-image and -mct are required")
	}
	if err := run(*configPath, *port, *imagePath, sfc.Target{String: *str, MCT: *mct}, *slave, *verbose); err != nil {
		fatalf("%v", err)
	}
}

func run(configPath, port, imagePath string, target sfc.Target, slave, verbose bool) error {
	cfg, err := cfgpkg.Load(configPath)
	if err != nil {
		return err
	}
	if port != "" {
		cfg.Transport.Port = port
	}

	log, err := logging.InitLogger(logging.CLIConfig(cfg.Logging, verbose))
	if err != nil {
		return err
	}
	log = log.Named("sfc-flash").With(zap.String("target", target.Label()))
	defer func() { _ = log.Sync() }()

	img, err := os.Open(imagePath)
	if err != nil {
		return err
	}
	defer img.Close()

	kind := firmware.KindMaster
	if slave {
		kind = firmware.KindSlave
	}

	tr := app.NewTransport(cfg.Transport, cfg.Protocol.VerifyResponseChecksum, log, nil)
	defer func() { _ = tr.Close() }()
	if !tr.DeviceDetected() {
		return fmt.Errorf("sfc not found on %q", cfg.Transport.Port)
	}
	ex := app.NewExecutor(tr, cfg.Protocol, log, nil)

	// 独立运行时没有轮询器需要暂停
	u := firmware.New(ex, nil, app.FirmwareConfig(cfg.Firmware), log, nil)

	bar := progressbar.NewOptions(-1,
		progressbar.OptionSetWidth(40),
		progressbar.OptionSetDescription("preparing"),
		progressbar.OptionShowCount(),
		progressbar.OptionSetWriter(os.Stderr),
	)
	u.OnProgress(func(p firmware.Progress) {
		if p.Total > 0 && bar.GetMax() != p.Total {
			bar.ChangeMax(p.Total)
		}
		bar.Describe(fmt.Sprintf("%-14s", p.Phase))
		_ = bar.Set(p.Record)
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	res, err := u.Run(ctx, firmware.Request{Target: target, Kind: kind, Image: img, Name: filepath.Base(imagePath)})
	_ = bar.Finish()
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return fmt.Errorf("update %s failed after %d/%d records: %w", target.Label(), res.Records, res.Total, err)
	}
	fmt.Printf("%s firmware on %s updated: %d records, %d bytes, checksum 0x%08X\n",
		res.Kind, target.Label(), res.Records, res.Bytes, res.Checksum)
	return nil
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "sfc-flash: "+format+"\n", args...)
	os.Exit(1)
}
