// Package normalize turns provider payloads into canonical values.
//
// A Decoder consumes raw server-sent-event bytes and yields llm.Events.
// ExtractUsage, ParseToolCalls and ExtractResponse read buffered JSON
// bodies of any supported family. All extraction is done with gjson paths
// so that unknown fields and partial shapes are tolerated.
package normalize
