/*
 *
 * Copyright 2023 Nebuchadnezzar authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 */

/*

# Nebuchadnezzar: a schema-driven in-memory cell store

Neb keeps typed records ("cells") in large contiguous memory regions
("trunks"), each subdivided into fixed-size segments with bump-pointer
allocation. Cells are addressed by 128-bit ids whose high half picks the
trunk and whose low half keys the trunk's cell index.

## What lives here

* trunk - segments, trunks, the schema-directed cell codec, cell
  operations and the online defragmenter

* schema - primitive type descriptors, the field model, precompiled
  walk plans and the id<->name schema table

* backup - the durability pipeline: coalesced dirty-range shipping to
  replica files and the recovery scanner

* store - trunk routing by partition, batch variants, the update
  function registry and node wiring

Cluster membership, DHT routing, RPC framing and schema distribution are
external collaborators; they consume the in-process API the store
package exposes.

## Durability

There is no write-ahead log on the hot path. Mutations mark coalesced
dirty byte ranges; a timer-driven shipper streams segment images to one
or more replica files, and recovery replays append-ordered images,
keeping the newest version of each cell.

*/

package nebuchadnezzar
