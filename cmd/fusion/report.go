package main

import (
	"fmt"
	"os"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/banshee-data/targetfusion/internal/estimator"
	"github.com/banshee-data/targetfusion/internal/replay"
)

// renderReport writes an HTML page with the estimated relative position over
// time and the NIS test ratios of every fusion attempt.
func renderReport(path string, base time.Time, res *replay.Result) error {
	page := components.NewPage()
	page.PageTitle = "target fusion replay"

	page.AddCharts(relPosChart(base, res.States))
	if c := nisChart(base, res.Innovations); c != nil {
		page.AddCharts(c)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create report: %w", err)
	}
	defer f.Close()
	return page.Render(f)
}

func relPosChart(base time.Time, states []estimator.FusedState) *charts.Line {
	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithTitleOpts(opts.Title{
			Title:    "Relative position (NED)",
			Subtitle: "filter estimate per axis, metres",
		}),
		charts.WithTooltipOpts(opts.Tooltip{Trigger: "axis"}),
	)

	xs := make([]string, 0, len(states))
	var north, east, down []opts.LineData
	for _, st := range states {
		xs = append(xs, fmt.Sprintf("%.2f", st.Timestamp.Sub(base).Seconds()))
		north = append(north, opts.LineData{Value: st.RelPos[0]})
		east = append(east, opts.LineData{Value: st.RelPos[1]})
		down = append(down, opts.LineData{Value: st.RelPos[2]})
	}

	line.SetXAxis(xs).
		AddSeries("north", north).
		AddSeries("east", east).
		AddSeries("down", down)
	return line
}

func nisChart(base time.Time, recs []estimator.InnovationRecord) *charts.Scatter {
	if len(recs) == 0 {
		return nil
	}
	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(
		charts.WithTitleOpts(opts.Title{
			Title:    "NIS test ratios",
			Subtitle: "per observation type; untestable samples omitted",
		}),
	)

	series := make(map[string][]opts.ScatterData)
	xs := make([]string, 0, len(recs))
	seen := make(map[string]bool)
	for _, r := range recs {
		t := fmt.Sprintf("%.2f", r.Timestamp.Sub(base).Seconds())
		if !seen[t] {
			seen[t] = true
			xs = append(xs, t)
		}
		if r.TestRatio < 0 {
			continue
		}
		key := r.Type.String()
		series[key] = append(series[key], opts.ScatterData{Value: []interface{}{t, r.TestRatio}})
	}

	scatter.SetXAxis(xs)
	for key, data := range series {
		scatter.AddSeries(key, data)
	}
	return scatter
}
