package engine

// Flags select instance behaviour at creation time. Preferences are honoured
// when possible; requirements are binding and conflicts are reported by New.
type Flags uint64

const (
	// PrecisionSingle computes in float32.
	PrecisionSingle Flags = 1 << iota
	// PrecisionDouble computes in float64 (the default).
	PrecisionDouble

	// ScalingNone disables rescaling entirely.
	ScalingNone
	// ScalingManual rescales only for operations that carry scale-buffer
	// indices; the client manages accumulation.
	ScalingManual
	// ScalingAlways rescales every peeling operation.
	ScalingAlways
	// ScalingAuto lets kernels extract power-of-two exponents per pattern
	// whenever magnitudes drift past the representable comfort zone.
	ScalingAuto
	// ScalingDynamic is the manual call path with per-call cumulative
	// buffers selected by sentinel; see Operation.
	ScalingDynamic

	// ScalersRaw stores scale buffers as linear factors (the default).
	ScalersRaw
	// ScalersLog stores scale buffers as log factors.
	ScalersLog

	// EigenReal declares all eigendecompositions real-valued (the default).
	EigenReal
	// EigenComplex declares eigenvalues may come in conjugate pairs.
	EigenComplex

	// ThreadingEnabled allows the instance to fan work out across a worker
	// pool subject to the pattern-count heuristic.
	ThreadingEnabled
	// ThreadingNone pins all computation to the calling thread.
	ThreadingNone

	// PartitioningAuto lets the scheduler slice patterns across workers on
	// its own.
	PartitioningAuto
	// PartitioningExplicit restricts threading to client-declared pattern
	// partitions.
	PartitioningExplicit
)

type scaleMode int

const (
	scaleNone scaleMode = iota
	scaleManual
	scaleAlways
	scaleAuto
	scaleDynamic
)

// capabilities is the parsed form of the flag bitfield. Kernels and the
// scheduler consume these fields; nothing on the hot path re-checks bits.
type capabilities struct {
	single        bool
	scaling       scaleMode
	scalersLog    bool
	complexEigen  bool
	threading     bool
	autoPartition bool
	flags         Flags
}

func parseFlags(prefs, reqs Flags) (capabilities, error) {
	merged := prefs | reqs
	caps := capabilities{}

	if merged&PrecisionSingle != 0 && reqs&PrecisionDouble == 0 {
		caps.single = true
	}

	scalingBits := 0
	for _, f := range []struct {
		flag Flags
		mode scaleMode
	}{
		{ScalingManual, scaleManual},
		{ScalingAlways, scaleAlways},
		{ScalingAuto, scaleAuto},
		{ScalingDynamic, scaleDynamic},
	} {
		if merged&f.flag != 0 {
			caps.scaling = f.mode
			scalingBits++
		}
	}
	if merged&ScalingNone != 0 {
		scalingBits++
	}
	if scalingBits > 1 {
		return caps, ErrGeneral
	}

	if merged&ScalersLog != 0 {
		if merged&ScalersRaw != 0 || caps.scaling == scaleAuto {
			return caps, ErrGeneral
		}
		caps.scalersLog = true
	}

	caps.complexEigen = merged&EigenComplex != 0
	caps.threading = merged&ThreadingEnabled != 0 && merged&ThreadingNone == 0
	caps.autoPartition = merged&PartitioningExplicit == 0

	caps.flags = merged
	if caps.single {
		caps.flags = (caps.flags &^ PrecisionDouble) | PrecisionSingle
	} else {
		caps.flags = (caps.flags &^ PrecisionSingle) | PrecisionDouble
	}
	return caps, nil
}
