package ktask

// Context is the callee-saved register set the original's context_switch
// assembly stub saved and restored across a task switch. Aurora's hosted
// simulator never runs that assembly - a task's live registers are the
// trap.TrapFrame the scheduler resumes through Handle/CompleteAfterWake
// instead - so Context exists purely as a data record: useful for unit
// tests asserting a freshly spawned task starts with a zeroed register
// file, and for documentation matching the original ABI.
type Context struct {
	RA, SP                             uint64
	S0, S1, S2, S3, S4, S5, S6, S7, S8, S9, S10, S11 uint64
}

// Zero returns a zeroed Context, mirroring Context::zero.
func Zero() Context {
	return Context{}
}
