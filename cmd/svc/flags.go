package main

// GlobalFlags holds persistent flags shared by project commands.
type GlobalFlags struct {
	Dir string
}

type TestWorkerFlags struct {
	Popup   bool
	Verbose bool
}

type RunFlags struct {
	Service string
}

type TailFlags struct {
	Follow bool
}
