package main

import "net/http"

// Shared client for all outbound gateway and API calls. Deadlines come from
// per-request contexts, so no client-wide timeout is set here.
var externalHTTPClient = &http.Client{}
