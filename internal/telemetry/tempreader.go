package telemetry

import (
	"log/slog"
	"regexp"

	"github.com/shirou/gopsutil/v4/sensors"
)

var cpuThermalRe = regexp.MustCompile(`^cpu[0-9]+_thermal$`)

const (
	memThermalKey = "ddr_thermal"
	gpuThermalKey = "video_thermal"
)

// tempReader polls the platform thermal sensors. Missing or malformed
// sensor entries contribute zero for the cycle; a read failure is logged
// and the cycle reports zeros rather than aborting.
type tempReader struct {
	sense  func() ([]sensors.TemperatureStat, error)
	log    *slog.Logger
	report func(Channel, float64)
}

func (tr *tempReader) readOnce() {
	var cpu, gpu, mem float64
	cpuCores := 0

	stats, err := tr.sense()
	if err != nil {
		tr.log.Debug("sensor read failed", slog.String("error", err.Error()))
		stats = nil
	}

	for _, st := range stats {
		switch {
		case cpuThermalRe.MatchString(st.SensorKey):
			cpu += st.Temperature
			cpuCores++
		case st.SensorKey == memThermalKey:
			mem = st.Temperature
		case st.SensorKey == gpuThermalKey:
			gpu = st.Temperature
		}
	}
	if cpuCores > 0 {
		cpu /= float64(cpuCores)
	}

	tr.report(ChannelCPUTemp, cpu)
	tr.report(ChannelGPUTemp, gpu)
	tr.report(ChannelMemTemp, mem)
}
