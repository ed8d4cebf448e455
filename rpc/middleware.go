package rpc

// Middleware wraps every call on its owner. Code before the call to next
// is the forward phase and may mutate wreq; code after next returns is
// the reverse phase and may mutate wres. The error handed to next tunnels
// toward the caller without reaching deeper frames; the error returned by
// the middleware is what the previous frame observes. Returning nil after
// next yielded an error is the explicit swallow: the failure is converted
// into the current response.
//
// A middleware must call next at most once. Returning nil without calling
// it is an early return and fails the call with a middleware error unless
// an earlier frame swallows it; an error returned without calling next
// travels back unchanged.
type Middleware func(cc *CallContext, wreq *WrappedRequest, wres *WrappedResponse, next Next) error

// Next advances the chain. It returns once every deeper frame has
// unwound, carrying whatever error is traveling back at this point.
type Next func(err error) error

func runChain(handlers []Middleware, cc *CallContext, wreq *WrappedRequest, wres *WrappedResponse, terminal func() error) error {
	var invoke func(i int) error
	invoke = func(i int) error {
		if i == len(handlers) {
			return terminal()
		}
		advanced := false
		next := Next(func(err error) error {
			if advanced {
				return NewError(KindMiddleware, "middleware advanced the chain twice")
			}
			advanced = true
			if err != nil {
				// forward propagation stops here; the error unwinds
				// through the frames already entered
				return err
			}
			return invoke(i + 1)
		})
		ret := handlers[i](cc, wreq, wres, next)
		if !advanced && ret == nil {
			return NewError(KindMiddleware, "early middleware return")
		}
		return ret
	}
	return invoke(0)
}
