package main

import (
	"time"

	"chartrender"
	"chartrender/internal/assets"
	"chartrender/internal/browser"
	"chartrender/internal/pool"
	"chartrender/internal/protocol"
)

// defaultConfig is a stand-in for the configuration-loading layer,
// which is deliberately out of scope for the core: only the resulting
// options object is consumed. A real deployment would build this from
// files/env/CLI flags, with CLI taking precedence over env taking
// precedence over file.
func defaultConfig() chartrender.Config {
	return chartrender.Config{
		Highcharts: assets.Config{
			Version:          "11.4.8",
			CDNBaseURL:       "https://code.highcharts.com",
			CachePath:        "./.chartrender-cache",
			CoreScripts:      []string{"highcharts"},
			ModuleScripts:    []string{"modules/exporting", "modules/offline-exporting", "modules/export-data"},
			IndicatorScripts: nil,
		},
		Pool: pool.Config{
			MinWorkers:          2,
			MaxWorkers:          8,
			WorkLimit:           50,
			AcquireTimeout:      pool.Duration(10 * time.Second),
			CreateTimeout:       15 * time.Second,
			DestroyTimeout:      5 * time.Second,
			IdleTimeout:         5 * time.Minute,
			CreateRetryInterval: 500 * time.Millisecond,
			ReaperInterval:      30 * time.Second,
		},
		Export: protocol.Defaults{
			Width:                600,
			Height:               400,
			Scale:                1,
			Constructor:          protocol.ConstructorChart,
			Type:                 protocol.OutputPNG,
			RasterizationTimeout: 1500 * time.Millisecond,
		},
		CustomLogic: chartrender.CustomLogicConfig{
			AllowCodeExecution: false,
			AllowFileResources: false,
		},
		Browser: browser.Config{
			HeadlessMode: "shell",
		},
	}
}
