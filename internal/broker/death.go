package broker

import (
	amqp "github.com/rabbitmq/amqp091-go"
)

const headerXDeath = "x-death"

// DeathRecord is one entry of the broker-maintained x-death header
type DeathRecord struct {
	Queue       string
	Exchange    string
	Reason      string
	Count       int64
	RoutingKeys []string
}

// ParseXDeath decodes the x-death header. Malformed entries are skipped;
// a missing header yields nil.
func ParseXDeath(headers amqp.Table) []DeathRecord {
	raw, ok := headers[headerXDeath]
	if !ok {
		return nil
	}

	entries, ok := raw.([]interface{})
	if !ok {
		return nil
	}

	records := make([]DeathRecord, 0, len(entries))
	for _, entry := range entries {
		table, ok := asTable(entry)
		if !ok {
			continue
		}

		record := DeathRecord{
			Queue:    stringField(table, "queue"),
			Exchange: stringField(table, "exchange"),
			Reason:   stringField(table, "reason"),
			Count:    intField(table, "count"),
		}

		if keys, ok := table["routing-keys"].([]interface{}); ok {
			for _, k := range keys {
				if s, ok := k.(string); ok {
					record.RoutingKeys = append(record.RoutingKeys, s)
				}
			}
		}

		records = append(records, record)
	}

	return records
}

// DeathCount returns how many times a message has dead-lettered out of queue
func DeathCount(headers amqp.Table, queue string) int {
	for _, record := range ParseXDeath(headers) {
		if record.Queue == queue {
			return int(record.Count)
		}
	}
	return 0
}

func asTable(v interface{}) (amqp.Table, bool) {
	switch t := v.(type) {
	case amqp.Table:
		return t, true
	case map[string]interface{}:
		return amqp.Table(t), true
	}
	return nil, false
}

func stringField(t amqp.Table, key string) string {
	s, _ := t[key].(string)
	return s
}

func intField(t amqp.Table, key string) int64 {
	switch n := t[key].(type) {
	case int64:
		return n
	case int32:
		return int64(n)
	case int:
		return int64(n)
	case int16:
		return int64(n)
	case int8:
		return int64(n)
	case uint8:
		return int64(n)
	case uint16:
		return int64(n)
	case uint32:
		return int64(n)
	case float64:
		return int64(n)
	}
	return 0
}
