package pipe

// OpFuncs runs a slice of functions in series, stopping on the first error
type OpFuncs []func() error

// Do runs each op in order
func (ops OpFuncs) Do() error {
	for _, op := range ops {
		if err := op(); err != nil {
			return err
		}
	}
	return nil
}

// Stage is a named op. Stages report which step failed
type Stage struct {
	Name string
	Do   func() error
}

// Stages runs named ops in series
type Stages []Stage

// Run runs each stage in order, stopping on the first error.
// Returns the failed stage's name alongside its error.
func (stages Stages) Run() (failed string, err error) {
	for _, stage := range stages {
		if err := stage.Do(); err != nil {
			return stage.Name, err
		}
	}
	return "", nil
}

// Then returns a copy of stages with another stage appended
func (stages Stages) Then(name string, do func() error) Stages {
	result := make(Stages, len(stages), len(stages)+1)
	copy(result, stages)
	return append(result, Stage{Name: name, Do: do})
}
