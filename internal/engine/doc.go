/*
Package engine implements the bulk directory mutation engine: it turns a
change template plus an entry source into a sequence of directory change
operations, executes them against one or more servers with defined
partial-failure semantics, or emits them as a portable LDIF change file.

The pieces, leaves first:

  - Template expansion ({NAME} placeholders over per-subject bindings)
  - Entry sources (numeric range, search results, CSV rows, validated
    group members)
  - Change compilation (expanded text into LDIF change records)
  - Group membership resolution (static and dynamic group strategies)
  - Server capability negotiation (root DSE control discovery, memoized
    per run)
  - The mutation executor tying them together

Generate mode and execute mode derive from the identical compiled change
sequence; only the final sink differs, so a generated change file is
exactly what execute mode would have attempted.
*/
package engine
