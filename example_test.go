package redis_test

import (
	"log"

	redis "github.com/pusher/hiredis-go"
)

func ExampleCommandClient() {
	ep, err := redis.ParseURI("redis://rds1.example.com:6379/2")
	if err != nil {
		log.Fatal(err)
	}

	c := redis.NewCommandClient(ep)
	if _, err := c.Connect().Wait(); err != nil {
		log.Fatal("connect: ", err)
	}

	value, err := c.Get("k").Wait()
	if err != nil {
		log.Print("command error: ", err)
		return
	}
	if value == nil {
		log.Print("k does not exist")
		return
	}
	log.Printf("k = %s", value)
}

func ExamplePubSubClient() {
	ep, err := redis.ParseURI("redis://rds1.example.com:6379")
	if err != nil {
		log.Fatal(err)
	}

	c := redis.NewPubSubClient(ep)
	if _, err := c.Connect().Wait(); err != nil {
		log.Fatal("connect: ", err)
	}

	c.Events().On("disconnected", func(args ...interface{}) {
		log.Print("pub/sub connection lost, reconnecting automatically")
	})

	if _, err := c.Subscribe("demo_channel", func(payload []byte) {
		log.Printf("received %q", payload)
	}).Wait(); err != nil {
		log.Fatal("subscribe: ", err)
	}
}
