// Package httpapi is the HTTP surface of authcore: login, refresh and
// logout for each actor class, the admin second factor, CSRF issuance and
// session status, plus health and metrics endpoints.
//
// Every failure leaves through writeError, which renders
// {"error", "code", "request_id"} with the status chosen by the error's
// class. Embedders mount business routes with [WithUserRoutes] and
// [WithAdminRoutes]; those routes sit behind the session guard, the CSRF
// guard and the API rate limits.
package httpapi
