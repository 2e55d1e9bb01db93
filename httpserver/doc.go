/*
Package httpserver exposes the content engine over HTTP.

Content API

  - PUT  /v1/content?tier={tier}          store the request body, 201 with its hash
  - GET  /v1/content/{hash}               stream content, single byte ranges give 206
  - HEAD /v1/content/{hash}               object headers without a body
  - GET  /v1/content/{hash}/url?ttl={s}   presigned or CDN-signed direct URL

Reads honour the X-Client-ID, X-Client-Region, X-Network-Type and
X-Cost-Sensitivity headers when routing between locations. Responses carry
X-Content-Hash, X-Storage-Tier, X-Cache and X-Served-From.

Operator API

Mounted at /v1/storage. Everything except /health requires the X-API-Key
header:

  - GET  /health, /stats, /performance?hours={n}, /network, /verify/{hash}
  - POST /migrate, GET /migrate
  - POST /tier
  - POST /lifecycle

Errors are JSON objects of the form {"error": "..."}.

The server also serves /livez, /readyz, /drain and /undrain, and pprof
under /debug when enabled.
*/
package httpserver
