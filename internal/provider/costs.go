package provider

const (
	TextInputPerMillionUSD  = 0.80
	TextOutputPerMillionUSD = 4.00
	ImageCostUSD            = 0.04
	VideoPerSecondUSD       = 0.022
	DefaultClipSeconds      = 8
)

func TextCost(inputTokens, outputTokens int) float64 {
	return float64(inputTokens)/1e6*TextInputPerMillionUSD + float64(outputTokens)/1e6*TextOutputPerMillionUSD
}

func VideoCost(seconds int) float64 {
	if seconds <= 0 {
		seconds = DefaultClipSeconds
	}
	return float64(seconds) * VideoPerSecondUSD
}
