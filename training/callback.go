package training

// Callback is invoked by Fit after every epoch's validation pass.
// validLoss is the epoch's average validation loss.
type Callback interface {
	OnEpochEnd(t *Tesseract, validLoss float64) error
}

// TrainStartCallback is implemented by callbacks that need setup before the
// first epoch
type TrainStartCallback interface {
	OnTrainStart(t *Tesseract) error
}

// TrainEndCallback is implemented by callbacks that run once Fit finishes,
// including after an early stop or an error
type TrainEndCallback interface {
	OnTrainEnd(t *Tesseract, history History) error
}

// CallbackFunc adapts a function to the Callback interface
type CallbackFunc func(t *Tesseract, validLoss float64) error

func (f CallbackFunc) OnEpochEnd(t *Tesseract, validLoss float64) error {
	return f(t, validLoss)
}
