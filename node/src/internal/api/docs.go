package api

// @title CloudLedger API
// @version 1.0
// @description Inspection and submission API of a ledger node
// @host localhost:8080
// @BasePath /api/v1

// @tag.name Ledgers
// @tag.description Closed ledgers and their meta

// @summary Close a ledger
// @description Applies a transaction set on top of the last closed ledger. Needs X-API-Key when the node requires keys.
// @tags Ledgers
// @accept json
// @produce json
// @param txset body execution.CloseData true "Transaction set"
// @success 201 {object} LedgerView "Closed ledger"
// @failure 400 {object} shared.Response "Malformed transaction set"
// @failure 401 {object} shared.Response "Missing or unknown API key"
// @failure 403 {object} shared.Response "Node is a follower"
// @failure 503 {object} shared.Response "Entry store unavailable"
// @router /ledgers [post]

// @summary Last closed ledger
// @tags Ledgers
// @produce json
// @success 200 {object} LedgerView
// @router /ledgers/latest [get]

// @summary Ledger by sequence
// @tags Ledgers
// @produce json
// @param seq path int true "Ledger sequence"
// @success 200 {object} LedgerView
// @failure 404 {object} shared.Response "Ledger not archived"
// @router /ledgers/{seq} [get]

// @summary Ledger meta
// @description Live and dead records of a ledger. format=raw returns the encoded stream with its hash in X-Meta-Hash.
// @tags Ledgers
// @produce json,octet-stream
// @param seq path int true "Ledger sequence"
// @param format query string false "json (default) or raw"
// @success 200 {object} shared.Response
// @failure 404 {object} shared.Response "Ledger not archived"
// @router /ledgers/{seq}/meta [get]

// @summary Entry by key
// @tags Entries
// @produce json
// @param type path string true "account, trustline, offer or data"
// @param id path string true "Hex encoded entry id"
// @success 200 {object} EntryView
// @failure 400 {object} shared.Response "Bad type or id"
// @failure 404 {object} shared.Response "Entry not found"
// @router /entries/{type}/{id} [get]

// @summary Ledger stream
// @description Websocket pushing every closed ledger as a StreamMessage.
// @tags Ledgers
// @router /stream [get]

// @summary Health check
// @tags Health
// @produce json
// @success 200 {object} shared.Response "All components healthy"
// @failure 503 {object} shared.Response "A component is failing"
// @router /health [get]
