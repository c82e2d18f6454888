package protocol

import "math"

func floatToBits(f float32) uint32  { return math.Float32bits(f) }
func bitsToFloat(b uint32) float32  { return math.Float32frombits(b) }
