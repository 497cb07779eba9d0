// Package ipfix models IPFIX (RFC 7011) messages as they move from the
// collector to the forwarder.
//
// A Parser decodes raw packets of one transport Session into a Message: the
// 16-byte header, the sets it carries, and the data records found in its data
// sets. Templates are tracked per (session, observation domain) by a
// TemplateManager. Every change to the template set produces a new immutable
// Snapshot; each data record points at the Snapshot that was current when it
// was decoded. Snapshots are compared by identity only, so two records that
// reference the same *Snapshot are guaranteed to use the same template
// definitions.
//
// Session lifecycle is reported separately through SessionMessage values.
// Both message types satisfy Msg so consumers can classify them with a type
// switch or Kind.
package ipfix
